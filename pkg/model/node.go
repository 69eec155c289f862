package model

// 节点 IP 类型
const (
	IPAccess   = "access"
	IPBind     = "bind"
	IPInternal = "internal"
)

// Node 集群中的一台机器
type Node struct {
	ID       string   `json:"id"`
	Hostname string   `json:"hostname"`
	Services []string `json:"services"` // 该节点上需要部署的服务

	// 节点 IP，按类型区分 (access / bind / internal)
	// CREATE/CONFIRM 之前通常为空，宏展开依赖它
	IPAddresses map[string]string `json:"ip_addresses,omitempty"`
}

// IP 返回指定类型的 IP，没有时返回空串
func (n *Node) IP(ipType string) string {
	if n.IPAddresses == nil {
		return ""
	}
	return n.IPAddresses[ipType]
}
