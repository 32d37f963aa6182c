// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// 各サービスが他のサービスのAPIを呼び出す際に使用する。
// productサービスへの商品照会、cartサービスへのイベント通知など、
// サービス間の通信パターンを統一する。
package httpclient
