// 商品サービスのエントリポイント。
// 商品・カテゴリのCRUDと他サービスへの変更イベント配送を担当する。
package main

import (
	"log"
	"os"

	"github.com/nao1215/minimart/internal/product"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}

	server, err := product.NewServer(port)
	if err != nil {
		log.Fatalf("商品サーバーの初期化に失敗: %v", err)
	}

	log.Printf("商品サービスを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("商品サービスの起動に失敗: %v", err)
	}
}
