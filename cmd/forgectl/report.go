package main

import (
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"forge/internal/config"
	"forge/internal/master/callback"
	"forge/pkg/model"
)

// newReportCmd 手工写入一条 Worker 上报，用于联调或修复卡住的任务
func newReportCmd(opts *options) *cobra.Command {
	var (
		failed    bool
		code      int
		message   string
		addresses map[string]string
	)
	cmd := &cobra.Command{
		Use:   "report TASK",
		Short: "Report a task result on behalf of a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeFn, err := opts.openStore(false)
			if err != nil {
				return err
			}
			defer closeFn()

			taskID := args[0]
			jobID := model.JobIDOf(taskID)
			report := &model.TaskReport{
				ClusterID: model.ClusterIDOf(jobID),
				JobID:     jobID,
				TaskID:    taskID,
				Success:   !failed,
				Code:      code,
				Message:   message,
			}
			if len(addresses) > 0 {
				report.IPAddresses = addresses
			}

			ctx, cancel := opts.context()
			defer cancel()
			if _, err := s.GetClusterTask(ctx, report.ClusterID, report.JobID, report.TaskID); err != nil {
				return err
			}
			if err := s.ReportTask(ctx, report); err != nil {
				return err
			}
			printf(cmd, "reported task %s success=%t\n", taskID, report.Success)
			return nil
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "report a failure")
	cmd.Flags().IntVar(&code, "code", 0, "status code")
	cmd.Flags().StringVarP(&message, "message", "m", "", "status message")
	cmd.Flags().StringToStringVar(&addresses, "ip", nil, "node addresses by type, e.g. --ip internal=10.0.0.1")
	return cmd
}

func newCallbacksCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "callbacks TENANT",
		Short: "List queued callback events of a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()

			var (
				items [][]byte
				err   error
			)
			switch opts.cfg.Callback.Backend {
			case config.BackendRedis:
				client := redis.NewClient(&redis.Options{Addr: opts.cfg.Redis.Addr})
				defer client.Close()
				items, err = callback.NewRedisQueue(client).List(ctx, args[0])
			default:
				m, openErr := opts.openEtcd()
				if openErr != nil {
					return openErr
				}
				defer m.Close()
				items, err = callback.NewEtcdQueue(m.Client(), opts.cfg.Etcd.Prefix).List(ctx, args[0])
			}
			if err != nil {
				return errors.Wrap(err, "listing callbacks")
			}

			for _, raw := range items {
				ev, err := callback.Decode(raw)
				if err != nil {
					return err
				}
				printf(cmd, "%s %-8s job=%s cluster=%s (%s) %s\n",
					ev.Time.Format("2006-01-02T15:04:05Z07:00"), ev.Type, ev.Job.ID, ev.Cluster.ID, ev.Cluster.Status, ev.ID)
			}
			return nil
		},
	}
}
