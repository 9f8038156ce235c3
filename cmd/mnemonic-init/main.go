package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/betbot/edgebot/pkg/secretstore"
)

func main() {
	var (
		dbPath = flag.String("secrets", getenv("EDGEBOT_SECRETS_DIR", "data/secrets"), "badger secret store directory")
		force  = flag.Bool("force", false, "overwrite existing mnemonic")
	)
	flag.Parse()

	_ = godotenv.Load()

	masterKey, err := secretstore.MasterKeyFromEnv()
	if err != nil {
		fatal(err)
	}

	store, err := secretstore.Open(secretstore.OpenOptions{
		Path:          *dbPath,
		EncryptionKey: masterKey,
	})
	if err != nil {
		fatal(fmt.Errorf("打开 secret store 失败: %w", err))
	}
	defer store.Close()

	if _, exists, err := store.GetString(secretstore.MnemonicKey); err != nil {
		fatal(err)
	} else if exists && !*force {
		fatal(fmt.Errorf("助记词已存在于 %s（用 -force 覆盖）", *dbPath))
	}

	fmt.Fprintln(os.Stderr, "请输入助记词（12/15/18/21/24 个单词），输入完成后回车：")
	mn := strings.TrimSpace(readLine())
	if mn == "" {
		fatal(errors.New("mnemonic is empty"))
	}
	if err := checkWordCount(mn); err != nil {
		fatal(err)
	}

	if err := store.SetString(secretstore.MnemonicKey, mn); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "已写入：%s（key=%s）\n", *dbPath, secretstore.MnemonicKey)
}

func checkWordCount(mn string) error {
	n := len(strings.Fields(mn))
	switch n {
	case 12, 15, 18, 21, 24:
		return nil
	}
	return fmt.Errorf("助记词应为 12/15/18/21/24 个单词，实际 %d 个", n)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func readLine() string {
	br := bufio.NewReader(os.Stdin)
	s, _ := br.ReadString('\n')
	return strings.TrimSpace(s)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
