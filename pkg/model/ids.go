package model

import (
	"fmt"
	"strings"
)

// ID 规则:
//   JobID  = <clusterID>-<n>
//   TaskID = <jobID>-<n>

func FormatJobID(clusterID string, n int64) string {
	return fmt.Sprintf("%s-%d", clusterID, n)
}

func FormatTaskID(jobID string, n int64) string {
	return fmt.Sprintf("%s-%d", jobID, n)
}

// ClusterIDOf 从 JobID 中取出集群 ID
func ClusterIDOf(jobID string) string {
	i := strings.LastIndex(jobID, "-")
	if i <= 0 {
		return ""
	}
	return jobID[:i]
}

// JobIDOf 从 TaskID 中取出 JobID
func JobIDOf(taskID string) string {
	i := strings.LastIndex(taskID, "-")
	if i <= 0 {
		return ""
	}
	return taskID[:i]
}
