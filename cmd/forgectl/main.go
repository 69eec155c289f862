// forgectl 运维命令行: 登记集群、提交操作、查看 Job 进度、模拟 Worker 上报
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"forge/internal/config"
	"forge/internal/logger"
	"forge/pkg/store"
)

type options struct {
	configFile string
	server     string
	timeout    time.Duration

	cfg *config.Config
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "forgectl",
		Short:        "Operate the forge cluster orchestrator",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configFile, cmd.Flags())
			if err != nil {
				return err
			}
			opts.cfg = cfg
			// 命令行默认只输出警告以上
			_, _, err = logger.Install("warn", "console")
			return err
		},
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "config file")
	flags.StringVarP(&opts.server, "server", "s", "http://localhost:9102", "master HTTP address")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	flags.StringSlice("etcd.endpoints", nil, "etcd endpoints")
	flags.String("etcd.prefix", "", "key prefix in etcd")

	root.AddCommand(
		newCatalogCmd(),
		newClusterCmd(opts),
		newJobCmd(opts),
		newReportCmd(opts),
		newCallbacksCmd(opts),
	)
	return root
}

func (o *options) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.timeout)
}

// openStore 连接 Etcd。readOnly 时返回只读视图，误调用写接口会得到 ErrPermissionDenied。
func (o *options) openStore(readOnly bool) (store.Store, func(), error) {
	m, err := o.openEtcd()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() { _ = m.Close() }
	if readOnly {
		return store.ReadOnly(m), closeFn, nil
	}
	return m, closeFn, nil
}

func (o *options) openEtcd() (*store.EtcdManager, error) {
	return store.NewEtcdManager(o.cfg.Etcd.Endpoints, o.cfg.Etcd.DialTimeout, o.cfg.Etcd.Prefix, nil)
}

func printf(cmd *cobra.Command, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
