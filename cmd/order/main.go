// 注文サービスのエントリポイント。
// チェックアウト・注文履歴・注文ステータス管理を担当する。
package main

import (
	"log"
	"os"

	"github.com/nao1215/minimart/internal/order"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8084"
	}

	server, err := order.NewServer(port)
	if err != nil {
		log.Fatalf("注文サーバーの初期化に失敗: %v", err)
	}

	log.Printf("注文サービスを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("注文サービスの起動に失敗: %v", err)
	}
}
