package main

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/hil-network/hil/pkg/audit"
	"github.com/hil-network/hil/pkg/deferred"
	"github.com/hil-network/hil/pkg/hil"
	"github.com/hil-network/hil/pkg/model"
	"github.com/hil-network/hil/pkg/switches"
	"github.com/hil-network/hil/pkg/switches/dell"
	"github.com/hil-network/hil/pkg/switches/mock"
	"github.com/hil-network/hil/pkg/switches/sonic"
	"github.com/hil-network/hil/pkg/util"
	"github.com/hil-network/hil/pkg/vlanpool"
)

// app is everything a command needs, built from cfg.
type app struct {
	db    *gorm.DB
	vlans *vlanpool.Pool
	pool  *switches.Pool
	audit audit.Logger
	queue *deferred.Queue
	svc   *hil.Service
}

// registry lists the switch families this binary drives. The mock family
// lets an operator dry-run the queue without hardware.
func registry() *switches.Registry {
	families := append(dell.Families(), sonic.Family(), mock.NewFabric().Family())
	return switches.NewRegistry(families...)
}

func openApp() (*app, error) {
	db, err := model.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	vlans, err := vlanpool.New(cfg.VLANPool.VLANs)
	if err != nil {
		return nil, err
	}

	a := &app{db: db, vlans: vlans}
	if cfg.Audit.Path != "" {
		fl, err := audit.NewFileLogger(cfg.Audit.Path, audit.RotationConfig{
			MaxSize:    cfg.Audit.MaxSize,
			MaxBackups: cfg.Audit.MaxBackups,
		})
		if err != nil {
			util.Warnf("Could not initialize audit logging: %v", err)
		} else {
			a.audit = fl
		}
	}

	reg := registry()
	a.pool = switches.NewPool(reg, cfg.Apply.SwitchTimeout)
	a.queue = deferred.New(db, a.pool, deferred.Options{
		Concurrency: cfg.Apply.Concurrency,
		Audit:       a.audit,
	})
	a.svc, err = hil.New(hil.Config{DB: db, VLANs: vlans, Switches: reg, Queue: a.queue})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// withApp opens the app for the duration of fn.
func withApp(fn func(a *app) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func (a *app) Close() {
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			util.Warnf("closing switch sessions: %v", err)
		}
	}
	if a.audit != nil {
		a.audit.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// openAudit opens the audit trail for reading.
func openAudit() (audit.Logger, error) {
	if cfg.Audit.Path == "" {
		return nil, fmt.Errorf("audit logging is disabled (audit.path is empty)")
	}
	return audit.NewFileLogger(cfg.Audit.Path, audit.RotationConfig{
		MaxSize:    cfg.Audit.MaxSize,
		MaxBackups: cfg.Audit.MaxBackups,
	})
}
