// Package config はGatewayの設定を環境変数から読み込む。
//
// 任意の.envファイルをgodotenvで読み込んだ後、viperで環境変数と既定値を解決する。
// 既に設定されている環境変数は.envファイルの値より優先される。
package config
