package store

import "strings"

// 默认 Key 前缀
const DefaultPrefix = "/forge"

// Keys 负责 Key 的布局 (Schema Design):
//
//	<prefix>/clusters/<clusterID>
//	<prefix>/jobs/<clusterID>/<jobID>
//	<prefix>/tasks/<clusterID>/<jobID>/<taskID>
//	<prefix>/queue/<taskID>
//	<prefix>/reports/<taskID>
type Keys struct {
	Prefix string
}

func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Keys{Prefix: strings.TrimSuffix(prefix, "/")}
}

func (k Keys) Cluster(clusterID string) string {
	return k.Prefix + "/clusters/" + clusterID
}

func (k Keys) Job(clusterID, jobID string) string {
	return k.Prefix + "/jobs/" + clusterID + "/" + jobID
}

func (k Keys) JobTasks(clusterID, jobID string) string {
	return k.Prefix + "/tasks/" + clusterID + "/" + jobID + "/"
}

func (k Keys) Task(clusterID, jobID, taskID string) string {
	return k.JobTasks(clusterID, jobID) + taskID
}

func (k Keys) Queue() string {
	return k.Prefix + "/queue/"
}

func (k Keys) QueuedTask(taskID string) string {
	return k.Queue() + taskID
}

func (k Keys) Reports() string {
	return k.Prefix + "/reports/"
}

func (k Keys) Report(taskID string) string {
	return k.Reports() + taskID
}
