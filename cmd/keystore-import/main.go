package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/stellar/go/keypair"

	"github.com/stellarbot/gostellar/pkg/keystore"
)

// keystore-import 把账户种子导入加密 keystore。
// 种子按优先级取自 -seed-env 指定的环境变量或交互输入，不走命令行参数，
// 避免泄漏到 shell 历史。
func main() {
	_ = godotenv.Load()

	var (
		dbPath    = flag.String("keystore", getenv("GOSTELLAR_KEYSTORE_PATH", "data/keystore"), "keystore db path")
		secretKey = flag.String("secret-key", getenv("GOSTELLAR_KEYSTORE_KEY", ""), "keystore encryption key (32 bytes base64/hex)")
		name      = flag.String("name", "default", "key name inside the keystore")
		seedEnv   = flag.String("seed-env", "GOSTELLAR_SEED", "environment variable holding the seed")
	)
	flag.Parse()

	keyBytes, err := keystore.ParseEncryptionKey(*secretKey)
	if err != nil {
		fatal(err)
	}
	if keyBytes == nil {
		fmt.Fprintln(os.Stderr, "警告：未设置加密密钥，keystore 将以明文存储")
	}

	seed := strings.TrimSpace(os.Getenv(*seedEnv))
	if seed == "" {
		seed, err = promptSeed()
		if err != nil {
			fatal(err)
		}
	}
	kp, err := keypair.ParseFull(seed)
	if err != nil {
		fatal(fmt.Errorf("种子无效: %w", err))
	}

	store, err := keystore.Open(keystore.OpenOptions{
		Path:          *dbPath,
		EncryptionKey: keyBytes,
	})
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	if err := store.PutSeed(*name, seed); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "已导入 %s（账户 %s）到 %s\n", *name, kp.Address(), *dbPath)
}

func promptSeed() (string, error) {
	fmt.Fprint(os.Stderr, "输入账户种子（S...）：")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	seed := strings.TrimSpace(line)
	if seed == "" {
		return "", fmt.Errorf("种子为空")
	}
	return seed, nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
