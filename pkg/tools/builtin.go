package tools

import "github.com/pkg/errors"

// Builtins selects the standard tool set. Nil collaborators skip their tools.
type Builtins struct {
	Messenger Messenger
	Memory    MemorySearcher
	Contacts  ContactBook
}

// NewBuiltinRegistry registers every tool whose collaborator is present.
func NewBuiltinRegistry(b Builtins) (*Registry, error) {
	reg := NewRegistry()
	var all []Tool
	if b.Messenger != nil {
		t, err := NewSendMessageTool(b.Messenger)
		if err != nil {
			return nil, err
		}
		all = append(all, t)
	}
	if b.Memory != nil {
		t, err := NewSearchMemoryTool(b.Memory)
		if err != nil {
			return nil, err
		}
		all = append(all, t)
	}
	if b.Contacts != nil {
		ts, err := NewContactTools(b.Contacts)
		if err != nil {
			return nil, err
		}
		all = append(all, ts...)
	}
	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return nil, errors.Wrap(err, "register builtin tool")
		}
	}
	return reg, nil
}
