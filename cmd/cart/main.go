// カートサービスのエントリポイント。
// カート・ウィッシュリスト・プロモーションコードを担当する。
package main

import (
	"log"
	"os"

	"github.com/nao1215/minimart/internal/cart"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8083"
	}

	server, err := cart.NewServer(port)
	if err != nil {
		log.Fatalf("カートサーバーの初期化に失敗: %v", err)
	}

	log.Printf("カートサービスを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("カートサービスの起動に失敗: %v", err)
	}
}
