package model

// ClusterAction 集群级操作 (由用户或系统发起)
type ClusterAction string

const (
	ClusterCreate               ClusterAction = "CLUSTER_CREATE"
	ClusterDelete               ClusterAction = "CLUSTER_DELETE"
	ClusterConfigure            ClusterAction = "CLUSTER_CONFIGURE"
	ClusterConfigureWithRestart ClusterAction = "CLUSTER_CONFIGURE_WITH_RESTART"
	StopServices                ClusterAction = "STOP_SERVICES"
	StartServices               ClusterAction = "START_SERVICES"
	RestartServices             ClusterAction = "RESTART_SERVICES"
	AddServices                 ClusterAction = "ADD_SERVICES"
	ClusterExpand               ClusterAction = "CLUSTER_EXPAND"
)

// ClusterActions 所有已知的集群操作，顺序固定
var ClusterActions = []ClusterAction{
	ClusterCreate,
	ClusterDelete,
	ClusterConfigure,
	ClusterConfigureWithRestart,
	StopServices,
	StartServices,
	RestartServices,
	AddServices,
	ClusterExpand,
}

// FailureStatus 任务失败且调用方没有指定状态时，集群应处于的状态
func (a ClusterAction) FailureStatus() ClusterStatus {
	switch a {
	case ClusterCreate, ClusterDelete:
		return ClusterIncomplete
	default:
		return ClusterInconsistent
	}
}

func (a ClusterAction) Valid() bool {
	for _, known := range ClusterActions {
		if a == known {
			return true
		}
	}
	return false
}

// ProvisionerAction 节点级任务类型
type ProvisionerAction string

const (
	ActionCreate     ProvisionerAction = "CREATE"
	ActionConfirm    ProvisionerAction = "CONFIRM"
	ActionBootstrap  ProvisionerAction = "BOOTSTRAP"
	ActionInstall    ProvisionerAction = "INSTALL"
	ActionConfigure  ProvisionerAction = "CONFIGURE"
	ActionInitialize ProvisionerAction = "INITIALIZE"
	ActionStart      ProvisionerAction = "START"
	ActionStop       ProvisionerAction = "STOP"
	ActionRemove     ProvisionerAction = "REMOVE"
	ActionDelete     ProvisionerAction = "DELETE"
)

// ProvisionerActions 所有已知的节点任务类型
var ProvisionerActions = []ProvisionerAction{
	ActionCreate,
	ActionConfirm,
	ActionBootstrap,
	ActionInstall,
	ActionConfigure,
	ActionInitialize,
	ActionStart,
	ActionStop,
	ActionRemove,
	ActionDelete,
}

// ServiceLevel 是否针对节点上的单个服务执行 (否则针对整个节点)
func (p ProvisionerAction) ServiceLevel() bool {
	switch p {
	case ActionCreate, ActionConfirm, ActionBootstrap, ActionDelete:
		return false
	default:
		return true
	}
}

func (p ProvisionerAction) Valid() bool {
	for _, known := range ProvisionerActions {
		if p == known {
			return true
		}
	}
	return false
}
