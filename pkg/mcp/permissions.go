package mcp

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/oqwn/minichat/pkg/config"
	"github.com/oqwn/minichat/pkg/logger"
)

// Action is what the policy decides for a permission request
type Action string

const (
	// ActionAllow approves the request after the auto-approve delay
	ActionAllow Action = "allow"
	// ActionDeny cancels the request after the auto-approve delay
	ActionDeny Action = "deny"
	// ActionAsk waits for the user
	ActionAsk Action = "ask"
)

// PermissionRule matches tool names by regular expression
type PermissionRule struct {
	ToolPattern string
	Action      Action
	// Priority orders evaluation, highest first. Equal priorities keep
	// their configured order.
	Priority int

	re *regexp.Regexp
}

// PermissionResult is the outcome of evaluating a tool name
type PermissionResult struct {
	Action Action
	Reason string
}

// Automatic reports whether the decision needs no user input
func (r PermissionResult) Automatic() bool {
	return r.Action == ActionAllow || r.Action == ActionDeny
}

// PermissionManager evaluates permission requests against ordered rules.
// The first matching rule wins; otherwise the default action applies.
type PermissionManager struct {
	mu            sync.RWMutex
	rules         []PermissionRule
	defaultAction Action
	logger        *logger.ComponentLogger
}

// NewPermissionManager creates a new permission manager
func NewPermissionManager(defaultAction Action, rules ...PermissionRule) (*PermissionManager, error) {
	if defaultAction == "" {
		defaultAction = ActionAsk // Default to asking user
	}
	pm := &PermissionManager{
		defaultAction: defaultAction,
		logger:        logger.WithComponent("mcp-permissions"),
	}
	if err := pm.SetRules(defaultAction, rules); err != nil {
		return nil, err
	}
	return pm, nil
}

// NewPermissionManagerFromConfig builds the policy from the permissions
// section. The default is allow when auto-approve is on and ask otherwise.
func NewPermissionManagerFromConfig(cfg config.PermissionsConfig) (*PermissionManager, error) {
	def, rules := rulesFromConfig(cfg)
	return NewPermissionManager(def, rules...)
}

// Reload replaces the rules from a new permissions section
func (pm *PermissionManager) Reload(cfg config.PermissionsConfig) error {
	def, rules := rulesFromConfig(cfg)
	return pm.SetRules(def, rules)
}

func rulesFromConfig(cfg config.PermissionsConfig) (Action, []PermissionRule) {
	def := ActionAsk
	if cfg.AutoApprove {
		def = ActionAllow
	}
	rules := make([]PermissionRule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules = append(rules, PermissionRule{
			ToolPattern: r.ToolPattern,
			Action:      Action(r.Action),
			Priority:    r.Priority,
		})
	}
	return def, rules
}

// SetRules validates and installs rules and the default action
func (pm *PermissionManager) SetRules(defaultAction Action, rules []PermissionRule) error {
	if err := validAction(defaultAction); err != nil {
		return err
	}
	compiled := make([]PermissionRule, 0, len(rules))
	for _, r := range rules {
		if err := validAction(r.Action); err != nil {
			return fmt.Errorf("rule %q: %w", r.ToolPattern, err)
		}
		pattern := r.ToolPattern
		if pattern == "" {
			pattern = ".*"
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("rule %q: invalid pattern: %w", r.ToolPattern, err)
		}
		r.re = re
		compiled = append(compiled, r)
	}
	sort.SliceStable(compiled, func(i, j int) bool { return compiled[i].Priority > compiled[j].Priority })

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.rules = compiled
	pm.defaultAction = defaultAction
	return nil
}

// Evaluate decides what to do with a permission request for toolName
func (pm *PermissionManager) Evaluate(toolName string) PermissionResult {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, rule := range pm.rules {
		if rule.re.MatchString(toolName) {
			result := PermissionResult{
				Action: rule.Action,
				Reason: fmt.Sprintf("matched rule %q", rule.ToolPattern),
			}
			pm.logger.Debug("Permission decision from tool rules",
				"tool", toolName, "action", result.Action, "reason", result.Reason)
			return result
		}
	}

	result := PermissionResult{
		Action: pm.defaultAction,
		Reason: fmt.Sprintf("Default action for tool %s", toolName),
	}
	pm.logger.Debug("Permission decision from default action",
		"tool", toolName, "action", result.Action)
	return result
}

func validAction(a Action) error {
	switch a {
	case ActionAllow, ActionDeny, ActionAsk:
		return nil
	default:
		return fmt.Errorf("invalid permission action %q", a)
	}
}
