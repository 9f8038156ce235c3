package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/betbot/edgebot/pkg/logger"
)

// Service 持久化服务接口
type Service interface {
	NewStore(prefix, id, tag string) Store
	ScanStores(prefix, id string) ([]Store, error)
}

// Store 单条记录的存取接口
type Store interface {
	Save(data interface{}) error
	Load(data interface{}) error
	Delete() error
}

// ErrNotExists 表示数据不存在
var ErrNotExists = fmt.Errorf("persistence data not exists")

// key 直接当文件名用，非法字符统一换成下划线
var keySanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// JSONFileService 把每条记录存成 baseDir 下的一个 JSON 文件
type JSONFileService struct {
	baseDir string
}

// NewJSONFileService 创建 JSON 文件持久化服务
func NewJSONFileService(baseDir string) *JSONFileService {
	return &JSONFileService{baseDir: baseDir}
}

// NewStore 创建新的存储，key 形如 "position:<strategy>:<id>"
func (s *JSONFileService) NewStore(prefix, id, tag string) Store {
	key := prefix + ":" + id + ":" + tag
	return &JSONFileStore{
		key:  key,
		dir:  s.baseDir,
		path: filepath.Join(s.baseDir, keySanitizer.ReplaceAllString(key, "_")+".json"),
	}
}

// ScanStores 列出 "<prefix>:<id>:*" 下的全部存储。
// 崩溃恢复用：进程重启后扫描未走完生命周期的记录。
func (s *JSONFileService) ScanStores(prefix, id string) ([]Store, error) {
	safe := keySanitizer.ReplaceAllString(prefix+":"+id+":", "_")
	matches, err := filepath.Glob(filepath.Join(s.baseDir, safe+"*.json"))
	if err != nil {
		return nil, err
	}

	stores := make([]Store, 0, len(matches))
	for _, path := range matches {
		// 文件名就是安全化后的 key，原样带回即可定位同一文件
		stores = append(stores, &JSONFileStore{
			key:  strings.TrimSuffix(filepath.Base(path), ".json"),
			dir:  s.baseDir,
			path: path,
		})
	}
	return stores, nil
}

// JSONFileStore 一条记录对应一个文件
type JSONFileStore struct {
	key  string
	dir  string
	path string
}

// Save 保存数据（写临时文件后原子替换）
func (s *JSONFileStore) Save(data interface{}) error {
	logger.Debugf("[persistence] Save: key=%s", s.key)
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Load 加载数据，不存在或内容为空都返回 ErrNotExists
func (s *JSONFileStore) Load(data interface{}) error {
	logger.Debugf("[persistence] Load: key=%s", s.key)
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return ErrNotExists
	}
	if err != nil {
		return err
	}
	if len(b) == 0 {
		// 空文件多半是写到一半断电留下的，当不存在处理
		return ErrNotExists
	}
	return json.Unmarshal(b, data)
}

// Delete 删除数据（不存在时不报错）
func (s *JSONFileStore) Delete() error {
	logger.Debugf("[persistence] Delete: key=%s", s.key)
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

const fieldTag = "persistence"

// SaveFields 把带 persistence tag 的字段各存一条 "state:<id>:<tag>" 记录
func SaveFields(obj interface{}, id string, service Service) error {
	return eachTaggedField(obj, func(tag string, ft reflect.StructField, fv reflect.Value) error {
		logger.Debugf("[persistence] SaveFields: field=%s tag=%s", ft.Name, tag)
		return service.NewStore("state", id, tag).Save(fv.Interface())
	})
}

// LoadFields 恢复 SaveFields 存下的字段，没存过的字段保持零值
func LoadFields(obj interface{}, id string, service Service) error {
	return eachTaggedField(obj, func(tag string, ft reflect.StructField, fv reflect.Value) error {
		fresh := newValueFor(fv.Type())
		if err := service.NewStore("state", id, tag).Load(&fresh); err != nil {
			if err == ErrNotExists {
				return nil
			}
			return err
		}

		loaded := reflect.ValueOf(fresh)
		if fv.Kind() != reflect.Ptr && loaded.Kind() == reflect.Ptr {
			loaded = loaded.Elem()
		}
		logger.Debugf("[persistence] LoadFields: %s = %v", ft.Name, loaded)
		fv.Set(loaded)
		return nil
	})
}

// eachTaggedField 遍历结构体，对每个带 persistence tag 的可设置字段调用 fn。
// 没打 tag 的嵌套结构体继续往里展开。
func eachTaggedField(obj interface{}, fn func(tag string, field reflect.StructField, value reflect.Value) error) error {
	v := reflect.ValueOf(obj)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("persistence: want struct or pointer to struct, got %T", obj)
	}

	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field, value := t.Field(i), v.Field(i)
		if !value.CanSet() {
			continue
		}

		tag := field.Tag.Get(fieldTag)
		if tag == "" || tag == "-" {
			if value.Kind() == reflect.Struct {
				if err := eachTaggedField(value.Addr().Interface(), fn); err != nil {
					return err
				}
			}
			continue
		}

		// tag 允许携带选项，键名只取第一段
		if idx := strings.IndexByte(tag, ','); idx >= 0 {
			tag = tag[:idx]
		}
		if err := fn(tag, field, value); err != nil {
			return err
		}
	}
	return nil
}

// newValueFor 返回可直接交给 json 反序列化的新值，指针字段给同型指针
func newValueFor(typ reflect.Type) interface{} {
	if typ.Kind() == reflect.Ptr {
		return reflect.New(typ.Elem()).Interface()
	}
	return reflect.New(typ).Interface()
}
