package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/term"

	"github.com/newtron-network/vtepsync/pkg/audit"
	"github.com/newtron-network/vtepsync/pkg/settings"
	"github.com/newtron-network/vtepsync/pkg/util"
	"github.com/newtron-network/vtepsync/pkg/vtep/device"
	"github.com/newtron-network/vtepsync/pkg/vtep/model"
	"github.com/newtron-network/vtepsync/pkg/vtep/store"
	"github.com/newtron-network/vtepsync/pkg/vtep/transact"
)

// stores holds the intent and confirmed-state connections shared by all
// nodes.
type stores struct {
	intent    *store.RedisIntentStore
	confirmed *store.RedisConfirmedStore
}

func openStores(ctx context.Context) (*stores, error) {
	s := &stores{
		intent:    store.NewRedisIntentStore(cfg.Intent.Addr, cfg.Intent.DB),
		confirmed: store.NewRedisConfirmedStore(cfg.Confirmed.Addr, cfg.Confirmed.DB),
	}
	if err := s.intent.Connect(ctx); err != nil {
		return nil, fmt.Errorf("intent store: %w", err)
	}
	if err := s.confirmed.Connect(ctx); err != nil {
		s.intent.Close()
		return nil, fmt.Errorf("confirmed store: %w", err)
	}
	return s, nil
}

func (s *stores) Close() {
	s.intent.Close()
	s.confirmed.Close()
}

// newDevice builds the device client for a node. SSH passwords missing from
// the settings are prompted for once per node.
func newDevice(n *settings.NodeSettings) (*device.RedisClient, error) {
	c := device.NewRedisClient(n.Device.Addr, n.Device.DB)
	if n.SSH == nil {
		return c, nil
	}
	password, err := sshPassword(n)
	if err != nil {
		return nil, err
	}
	return c.WithSSH(device.SSHConfig{
		Host:       n.SSH.Host,
		Port:       n.SSH.Port,
		User:       n.SSH.User,
		Password:   password,
		RemoteAddr: n.Device.Addr,
	}), nil
}

var promptMu sync.Mutex

func sshPassword(n *settings.NodeSettings) (string, error) {
	if n.SSH.Password != "" {
		return n.SSH.Password, nil
	}
	if env := os.Getenv("VTEPSYNC_SSH_PASSWORD"); env != "" {
		return env, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("node %s: no SSH password configured and stdin is not a terminal", n.Name)
	}

	promptMu.Lock()
	defer promptMu.Unlock()
	fmt.Fprintf(os.Stderr, "SSH password for %s@%s (%s): ", n.SSH.User, n.SSH.Host, n.Name)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}

// newManager connects a node's device and builds its manager. A device that
// cannot be reached is logged and left to the manager to resync.
func newManager(ctx context.Context, n *settings.NodeSettings, s *stores) (*transact.Manager, *device.RedisClient, error) {
	dev, err := newDevice(n)
	if err != nil {
		return nil, nil, err
	}
	if err := dev.Connect(ctx); err != nil {
		util.WithNode(n.Name).Warnf("device unreachable, will retry: %v", err)
	}
	m := transact.NewManager(model.NodeID(n.Name), cfg.EngineConfig(), dev, s.intent, s.confirmed)
	return m, dev, nil
}

// openAudit installs the configured audit trail as the default audit
// logger. The returned func closes it.
func openAudit() (func(), error) {
	if cfg.Audit.Path == "" {
		return func() {}, nil
	}
	logger, err := audit.NewFileLogger(cfg.Audit.Path, audit.RotationConfig{
		MaxSize:    cfg.Audit.MaxSize,
		MaxBackups: cfg.Audit.MaxBackups,
	})
	if err != nil {
		return nil, err
	}
	audit.SetDefaultLogger(logger)
	return func() {
		audit.SetDefaultLogger(nil)
		logger.Close()
	}, nil
}
