package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/catalystcommunity/app-utils-go/errorutils"
	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/catalystcommunity/pierre/internal/audit"
	"github.com/catalystcommunity/pierre/internal/circuitbreaker"
	"github.com/catalystcommunity/pierre/internal/config"
	"github.com/catalystcommunity/pierre/internal/oauth2client"
	"github.com/catalystcommunity/pierre/internal/rotation"
	"github.com/catalystcommunity/pierre/internal/secrets"
	"github.com/catalystcommunity/pierre/internal/store"
	"github.com/catalystcommunity/pierre/internal/store/postgres_store"
	"github.com/catalystcommunity/pierre/internal/tenant"
	"github.com/gammazero/workerpool"
)

// runtime is the wired platform core shared by serve and the admin commands.
type runtime struct {
	cfg        config.Config
	keys       *secrets.KeyManager
	tenantKeys *secrets.TenantKeyManager
	auditor    *audit.SecurityAuditor
	oauth      *tenant.Manager
	oauthFlows *tenant.OAuthClient
	breakers   *circuitbreaker.Registry
	rotation   *rotation.Manager
	deferred   []func()
}

// newRuntime loads configuration and brings the core up in startup order:
// MEK, temporary DEK, storage, persisted DEK, then the managers on top.
func newRuntime(ctx context.Context) (*runtime, error) {
	logging.Log.AddHook(secrets.DefaultMasker.Hook())

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	mek, err := secrets.ParseMasterKey(cfg.MasterEncryptionKey)
	if err != nil {
		return nil, err
	}
	keys, err := secrets.Bootstrap(mek)
	if err != nil {
		return nil, err
	}

	store.AppStore = postgres_store.PostgresStore
	rt := &runtime{cfg: cfg, keys: keys}
	if rt.deferred, err = initStores(); err != nil {
		return nil, err
	}

	if err := keys.CompleteInitialization(ctx, store.AppStore, postgres_store.Identifier(config.DbUri)); err != nil {
		rt.Close()
		return nil, err
	}

	rt.auditor, err = audit.NewFromConfig(ctx, cfg.Audit)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to configure audit sink: %w", err)
	}

	rt.tenantKeys = secrets.NewTenantKeyManager(keys, store.AppStore)
	rt.oauth = tenant.NewManager(cfg, store.AppStore, keys, rt.tenantKeys, rt.auditor)
	keys.RegisterReencryptor(rt.oauth)
	rt.tenantKeys.RegisterTenantReencryptor(rt.oauth)

	breakerCfg, err := circuitbreaker.PresetConfig(cfg.OAuth.BreakerPreset)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.breakers = circuitbreaker.NewRegistry(breakerCfg)
	rt.oauthFlows = tenant.NewOAuthClient(rt.oauth, rt.breakers,
		tenant.WithPerTenantBreakers(cfg.OAuth.PerTenantBreakers),
		tenant.WithOAuth2Options(oauth2client.WithTimeout(cfg.OAuth.HTTPTimeout)))

	var opts []rotation.Option
	if cfg.KeyRotation.RotateGlobalDEK {
		opts = append(opts, rotation.WithGlobalRotator(func(ctx context.Context) error {
			return keys.RotateDatabaseKey(ctx, store.AppStore)
		}))
	}
	rt.rotation = rotation.NewManager(cfg.KeyRotation, store.AppStore, rt.tenantKeys, rt.auditor, opts...)
	return rt, nil
}

func (r *runtime) Close() {
	for _, fn := range r.deferred {
		fn()
	}
	r.deferred = nil
}

func initStores() ([]func(), error) {
	// initialize stores using a worker pool to speed up startup
	pool := workerpool.New(5)
	deferredFunctions := []func(){}
	var initErr error

	pool.Submit(func() {
		deferredFunc, err := store.AppStore.Initialize()
		if err != nil {
			errorutils.LogOnErr(nil, "error initializing app store", err)
			initErr = err
			return
		}
		if deferredFunc != nil {
			deferredFunctions = append(deferredFunctions, deferredFunc)
		}
		logging.Log.Info("app store initialized")
	})

	pool.StopWait()
	return deferredFunctions, initErr
}

// commandContext bounds one-shot admin commands.
func commandContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 5*time.Minute)
}
