package sigchan

// Chan 信号通道：只通知"有事发生"，不携带数据。
// 行情流用它触发重连，同一时刻的多次 Emit 合并成一次处理。
type Chan struct {
	c chan struct{}
}

// New 创建信号通道。bufferSize 通常给 1：
// 处理方在忙时最多积压一个信号，不会积压一串。
func New(bufferSize int) *Chan {
	return &Chan{c: make(chan struct{}, bufferSize)}
}

// Emit 发出信号。缓冲已满说明信号已在路上，直接丢弃，永不阻塞。
func (ch *Chan) Emit() {
	select {
	case ch.c <- struct{}{}:
	default:
	}
}

// C 返回接收端，放进 select 用
func (ch *Chan) C() <-chan struct{} {
	return ch.c
}
