// API Gatewayのエントリポイント。
// 認証、レート制限、レスポンスキャッシュを通したうえで
// リクエストをユーザー・商品・注文の各サービスへ転送する。
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/edgegate/internal/config"
	"github.com/nao1215/edgegate/internal/gateway"
	"github.com/nao1215/edgegate/pkg/middleware"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "gateway"
	app.Usage = "API Gateway for the product order system"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "env-file, e",
			Usage: "環境変数を読み込む.envファイルのパス",
		},
		cli.StringFlag{
			Name:  "port, p",
			Usage: "リッスンポート（PORT環境変数より優先）",
		},
	}
	app.Action = serve
	app.Commands = []cli.Command{
		{
			Name:  "token",
			Usage: "開発用のJWTを発行する",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "env-file, e", Usage: "環境変数を読み込む.envファイルのパス"},
				cli.StringFlag{Name: "user-id", Value: "dev-user", Usage: "userIdクレーム"},
				cli.StringFlag{Name: "email", Value: "dev@example.com", Usage: "emailクレーム"},
				cli.StringFlag{Name: "role", Usage: "roleクレーム"},
			},
			Action: issueToken,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("API Gatewayの実行に失敗しました")
	}
}

// serve は設定を読み込み、シグナルを受け取るまでGatewayを動かす。
func serve(c *cli.Context) error {
	cfg, err := config.Load(c.String("env-file"))
	if err != nil {
		return err
	}
	if port := c.String("port"); port != "" {
		cfg.Port = port
	}

	logger := cfg.NewLogger()
	server, err := gateway.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("Gatewayサーバーの初期化に失敗: %w", err)
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.WithError(err).Warn("リソースの解放に失敗しました")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return server.Run(ctx)
}

// issueToken は設定中のJWT_SECRETで署名したトークンを標準出力に書く。
func issueToken(c *cli.Context) error {
	cfg, err := config.Load(c.String("env-file"))
	if err != nil {
		return err
	}
	if c.String("user-id") == "" {
		return errors.New("--user-id は空にできません")
	}

	token, err := middleware.GenerateJWT(cfg.JWTSecret, c.String("user-id"), c.String("email"), c.String("role"))
	if err != nil {
		return fmt.Errorf("トークンの発行に失敗: %w", err)
	}
	fmt.Fprintln(c.App.Writer, token)
	return nil
}
