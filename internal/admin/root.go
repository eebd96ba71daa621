// Package admin - команды cobra для администрирования сервера:
// выдача admin token, управление repositories, статистика и сохранение
// passphrase шифрования at rest в keyring ОС.
package admin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/iudanet/storagerelay/internal/client/api"
	"github.com/iudanet/storagerelay/internal/client/iocli"
	"github.com/iudanet/storagerelay/internal/keystore"
)

// Переменные окружения, которые читаются вместо флагов
const (
	SecretEnv = "STORAGERELAY_ADMIN_SECRET"
	TokenEnv  = "STORAGERELAY_ADMIN_TOKEN"
	ServerEnv = "STORAGERELAY_SERVER"
)

const defaultServer = "http://localhost:8080"

// ErrNoCredentials - не задан ни token, ни secret
var ErrNoCredentials = errors.New("admin credentials required: use --token, --secret, " + TokenEnv + " or " + SecretEnv)

// Deps - внешние зависимости команд, подменяются в тестах
type Deps struct {
	IO           iocli.IO
	OpenKeystore func() (*keystore.Keystore, error)
}

// options - значения persistent флагов
type options struct {
	deps   Deps
	server string
	secret string
	token  string
}

// NewRootCmd собирает дерево команд
func NewRootCmd(deps Deps) *cobra.Command {
	if deps.IO == nil {
		deps.IO = iocli.NewStdio()
	}
	if deps.OpenKeystore == nil {
		deps.OpenKeystore = func() (*keystore.Keystore, error) { return keystore.Open() }
	}

	opts := &options{deps: deps}

	root := &cobra.Command{
		Use:   "storagerelay-admin",
		Short: "Administer a storagerelay server",
		Long: `storagerelay-admin manages repositories of a storagerelay server.

Repository id and public key printed by 'new' are handed to the developer
of the client application. Every command except 'storekey' talks to the
admin API, which is enabled on the server by setting its admin secret.

Credentials:
  --token or ` + TokenEnv + `    admin token obtained with 'token'
  --secret or ` + SecretEnv + `  shared admin secret (a token is requested per call)`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.server, "server", envOr(ServerEnv, defaultServer), "server URL")
	root.PersistentFlags().StringVar(&opts.secret, "secret", "", "admin secret (default $"+SecretEnv+")")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "admin token (default $"+TokenEnv+")")

	root.AddCommand(
		newTokenCmd(opts),
		newCreateCmd(opts),
		newListCmd(opts),
		newShowCmd(opts),
		newRemoveCmd(opts),
		newIDsCmd(opts),
		newStatsCmd(opts),
		newStoreKeyCmd(opts),
	)
	return root
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func (o *options) client() *api.Client {
	return api.NewClient(o.server)
}

func (o *options) adminSecret() string {
	if o.secret != "" {
		return o.secret
	}
	return os.Getenv(SecretEnv)
}

// adminToken возвращает token из флага или окружения, иначе обменивает secret
func (o *options) adminToken(ctx context.Context) (string, error) {
	if o.token != "" {
		return o.token, nil
	}
	if token := os.Getenv(TokenEnv); token != "" {
		return token, nil
	}

	secret := o.adminSecret()
	if secret == "" {
		return "", ErrNoCredentials
	}

	resp, err := o.client().AdminToken(ctx, secret)
	if err != nil {
		return "", err
	}
	return resp.Token, nil
}

// Оформление вывода
func success(msg string) string {
	return color.GreenString("✓") + " " + msg
}

func label(name string) string {
	return color.CyanString(fmt.Sprintf("%-12s", name+":"))
}

func highlight(value string) string {
	return color.YellowString(value)
}

func muted(value string) string {
	if strings.TrimSpace(value) == "" {
		return color.HiBlackString("(none)")
	}
	return color.HiBlackString(value)
}
