// Package catalog 描述每个集群操作由哪些节点任务按什么顺序组成，
// 以及任务失败后的回滚与重试起点。进程启动时加载一次，之后只读。
package catalog

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"forge/pkg/model"
)

// ErrInconsistent 目录自身不一致 (配置错误，不可恢复)
var ErrInconsistent = errors.New("action catalog is inconsistent")

type Catalog struct {
	stages   map[model.ClusterAction][]model.ProvisionerAction
	rollback map[model.ProvisionerAction]model.ProvisionerAction
	retry    map[model.ProvisionerAction]model.ProvisionerAction
}

// New 用给定的表构造目录，不做校验 (调用方应调用 Validate)
func New(stages map[model.ClusterAction][]model.ProvisionerAction,
	rollback, retry map[model.ProvisionerAction]model.ProvisionerAction) *Catalog {
	c := &Catalog{
		stages:   make(map[model.ClusterAction][]model.ProvisionerAction, len(stages)),
		rollback: make(map[model.ProvisionerAction]model.ProvisionerAction, len(rollback)),
		retry:    make(map[model.ProvisionerAction]model.ProvisionerAction, len(retry)),
	}
	for k, v := range stages {
		c.stages[k] = append([]model.ProvisionerAction(nil), v...)
	}
	for k, v := range rollback {
		c.rollback[k] = v
	}
	for k, v := range retry {
		c.retry[k] = v
	}
	return c
}

// Default 内置的操作表
func Default() *Catalog {
	createOrder := []model.ProvisionerAction{
		model.ActionCreate,
		model.ActionConfirm,
		model.ActionBootstrap,
		model.ActionInstall,
		model.ActionConfigure,
		model.ActionInitialize,
		model.ActionStart,
	}
	return &Catalog{
		stages: map[model.ClusterAction][]model.ProvisionerAction{
			model.ClusterCreate:               createOrder,
			model.ClusterExpand:               createOrder,
			model.ClusterDelete:               {model.ActionDelete},
			model.ClusterConfigure:            {model.ActionConfigure},
			model.ClusterConfigureWithRestart: {model.ActionStop, model.ActionConfigure, model.ActionStart},
			model.StopServices:                {model.ActionStop},
			model.StartServices:               {model.ActionStart},
			model.RestartServices:             {model.ActionStop, model.ActionStart},
			model.AddServices: {
				model.ActionInstall,
				model.ActionConfigure,
				model.ActionInitialize,
				model.ActionStart,
			},
		},
		// CONFIRM 失败说明机器有问题: 先删掉，再从 CREATE 开始重来
		rollback: map[model.ProvisionerAction]model.ProvisionerAction{
			model.ActionConfirm: model.ActionDelete,
		},
		retry: map[model.ProvisionerAction]model.ProvisionerAction{
			model.ActionConfirm: model.ActionCreate,
		},
	}
}

// StagesFor 返回集群操作的阶段列表。
// 未知操作属于调用方的编程错误，直接 panic。
func (c *Catalog) StagesFor(action model.ClusterAction) []model.ProvisionerAction {
	stages, ok := c.stages[action]
	if !ok {
		panic(fmt.Sprintf("catalog: unknown cluster action %q", action))
	}
	out := make([]model.ProvisionerAction, len(stages))
	copy(out, stages)
	return out
}

func (c *Catalog) RollbackFor(p model.ProvisionerAction) (model.ProvisionerAction, bool) {
	r, ok := c.rollback[p]
	return r, ok
}

func (c *Catalog) RetryOriginFor(p model.ProvisionerAction) (model.ProvisionerAction, bool) {
	r, ok := c.retry[p]
	return r, ok
}

// IndexOf 返回任务类型在集群操作阶段列表中的位置，不存在时返回 -1
func (c *Catalog) IndexOf(action model.ClusterAction, p model.ProvisionerAction) int {
	for i, s := range c.stages[action] {
		if s == p {
			return i
		}
	}
	return -1
}

// Validate 检查目录的一致性:
//  1. 阶段表只包含已知的集群操作，且每个已知集群操作都有非空、无重复的阶段列表
//  2. 重试映射两端都是已知任务，重试起点在所有包含该任务的阶段列表中都排在它前面
func (c *Catalog) Validate() error {
	for action := range c.stages {
		if !action.Valid() {
			return errors.Wrapf(ErrInconsistent, "unknown cluster action %q", action)
		}
	}
	for _, action := range model.ClusterActions {
		stages, ok := c.stages[action]
		if !ok || len(stages) == 0 {
			return errors.Wrapf(ErrInconsistent, "no stages for %s", action)
		}
		seen := make(map[model.ProvisionerAction]bool, len(stages))
		for _, p := range stages {
			if !p.Valid() {
				return errors.Wrapf(ErrInconsistent, "%s: unknown provisioner action %q", action, p)
			}
			if seen[p] {
				return errors.Wrapf(ErrInconsistent, "%s: duplicate stage %s", action, p)
			}
			seen[p] = true
		}
	}

	for p, origin := range c.retry {
		if !p.Valid() || !origin.Valid() {
			return errors.Wrapf(ErrInconsistent, "unknown retry mapping %s -> %s", p, origin)
		}
		for action := range c.stages {
			pi := c.IndexOf(action, p)
			if pi < 0 {
				continue
			}
			oi := c.IndexOf(action, origin)
			if oi < 0 || oi >= pi {
				return errors.Wrapf(ErrInconsistent, "%s: retry origin %s of %s must come before it", action, origin, p)
			}
		}
	}
	for p, rb := range c.rollback {
		if !p.Valid() || !rb.Valid() {
			return errors.Wrapf(ErrInconsistent, "unknown rollback mapping %s -> %s", p, rb)
		}
	}
	return nil
}

// ---------------------------------------------------------
// YAML 加载
// ---------------------------------------------------------

type file struct {
	Stages   map[string][]string `yaml:"stages"`
	Rollback map[string]string   `yaml:"rollback"`
	Retry    map[string]string   `yaml:"retry"`
}

// Load 从 YAML 文件加载目录，path 为空时使用内置表
func Load(path string) (*Catalog, error) {
	if path == "" {
		c := Default()
		return c, c.Validate()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading catalog %s", path)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrap(err, "parsing catalog")
	}

	c := &Catalog{
		stages:   make(map[model.ClusterAction][]model.ProvisionerAction, len(f.Stages)),
		rollback: make(map[model.ProvisionerAction]model.ProvisionerAction, len(f.Rollback)),
		retry:    make(map[model.ProvisionerAction]model.ProvisionerAction, len(f.Retry)),
	}
	for action, stages := range f.Stages {
		list := make([]model.ProvisionerAction, 0, len(stages))
		for _, s := range stages {
			list = append(list, model.ProvisionerAction(s))
		}
		c.stages[model.ClusterAction(action)] = list
	}
	for from, to := range f.Rollback {
		c.rollback[model.ProvisionerAction(from)] = model.ProvisionerAction(to)
	}
	for from, to := range f.Retry {
		c.retry[model.ProvisionerAction(from)] = model.ProvisionerAction(to)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
