package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"forge/internal/master/api"
	"forge/pkg/model"
)

func newClusterCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{Use: "cluster", Short: "Manage cluster records"}

	var file string
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a cluster from a YAML description",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return errors.Wrapf(err, "reading %s", file)
			}
			cluster, err := parseCluster(raw)
			if err != nil {
				return errors.Wrapf(err, "parsing %s", file)
			}

			ctx, cancel := opts.context()
			defer cancel()
			var created model.Cluster
			if err := call(ctx, opts.server, "POST", "/v1/clusters", cluster, &created); err != nil {
				return err
			}
			printf(cmd, "cluster %s registered (%s)\n", created.ID, created.Status)
			return nil
		},
	}
	create.Flags().StringVarP(&file, "file", "f", "", "cluster YAML")
	_ = create.MarkFlagRequired("file")

	get := &cobra.Command{
		Use:   "get CLUSTER",
		Short: "Show a cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeFn, err := opts.openStore(true)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := opts.context()
			defer cancel()
			cluster, err := s.GetCluster(ctx, args[0])
			if err != nil {
				return err
			}
			printf(cmd, "cluster %s (%s) tenant=%s status=%s latest_job=%s\n",
				cluster.ID, cluster.Name, cluster.TenantID, cluster.Status, cluster.LatestJobID)
			for _, node := range cluster.Nodes {
				printf(cmd, "  %s %s services=%v\n", node.ID, node.Hostname, node.Services)
			}
			return nil
		},
	}

	cmd.AddCommand(create, get)
	return cmd
}

func newJobCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Submit and inspect cluster jobs"}

	submit := &cobra.Command{
		Use:   "submit CLUSTER ACTION",
		Short: "Run a cluster action",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := model.ClusterAction(args[1])
			if !action.Valid() {
				return errors.Errorf("unknown cluster action %q", args[1])
			}
			ctx, cancel := opts.context()
			defer cancel()

			var job model.ClusterJob
			if err := call(ctx, opts.server, "POST", "/v1/clusters/"+args[0]+"/jobs",
				api.SubmitRequest{Action: action}, &job); err != nil {
				return err
			}
			printf(cmd, "job %s submitted (%s, %d stages)\n", job.ID, job.Status, len(job.Stages))
			return nil
		},
	}

	get := &cobra.Command{
		Use:   "get JOB",
		Short: "Show a job and its tasks stage by stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeFn, err := opts.openStore(true)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := opts.context()
			defer cancel()
			jobID := args[0]
			clusterID := model.ClusterIDOf(jobID)
			job, err := s.GetClusterJob(ctx, clusterID, jobID)
			if err != nil {
				return err
			}
			tasks, err := s.ListJobTasks(ctx, clusterID, jobID)
			if err != nil {
				return err
			}
			printJob(cmd, job, tasks)
			return nil
		},
	}

	cmd.AddCommand(submit, get)
	return cmd
}

func printJob(cmd *cobra.Command, job *model.ClusterJob, tasks []*model.ClusterTask) {
	printf(cmd, "job %s %s %s stage %d/%d", job.ID, job.ClusterAction, job.Status, job.CurrentStage, len(job.Stages))
	if job.StatusMessage != "" {
		printf(cmd, " (%s)", job.StatusMessage)
	}
	printf(cmd, "\n")

	byID := make(map[string]*model.ClusterTask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STAGE\tTASK\tACTION\tNODE\tSERVICE\tSTATUS\tATTEMPTS")
	for i, stage := range job.Stages {
		for _, id := range stage {
			t, ok := byID[id]
			if !ok {
				continue
			}
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d\n",
				i, t.ID, t.Action, t.NodeID, t.Service, t.Status, t.Attempts)
		}
	}
	_ = w.Flush()
}

// parseCluster 集群描述使用与 API 相同的字段名 (json tag)，YAML 先转成通用结构再按 JSON 解码
func parseCluster(raw []byte) (*model.Cluster, error) {
	var doc interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var cluster model.Cluster
	if err := json.Unmarshal(encoded, &cluster); err != nil {
		return nil, err
	}
	return &cluster, nil
}
