package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/catalystcommunity/app-utils-go/errorutils"
	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/catalystcommunity/pierre/internal/circuitbreaker"
	"github.com/catalystcommunity/pierre/internal/config"
	"github.com/catalystcommunity/pierre/internal/handlers"
	"github.com/catalystcommunity/pierre/internal/store"
)

func Serve(ctx context.Context) error {
	if err := RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.keys.ReencryptPrevious(ctx, store.AppStore); err != nil {
		logging.Log.WithError(err).Warn("re-encryption of rows under the previous database key is incomplete")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	rt.rotation.Start(ctx)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go resetBreakersOnSignal(ctx, hup, rt.breakers)

	handler := handlers.NewRouter(handlers.Dependencies{
		Store:           store.AppStore,
		Keys:            rt.keys,
		Breakers:        rt.breakers,
		Rotation:        rt.rotation,
		MigrationsReady: migrationsAreComplete,
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		errorutils.LogOnErr(nil, "error shutting down http server", server.Shutdown(shutdownCtx))
	}()

	logging.Log.Infof("starting HTTP server on port %d", config.Port)
	err = server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	// ListenAndServe always eventually errors out, so we log it and return it
	errorutils.LogOnErr(nil, "ListenAndServe exited with: ", err)
	return err
}

// resetBreakersOnSignal closes every provider circuit breaker each time a
// signal arrives, so an operator can send SIGHUP once a provider outage is over.
func resetBreakersOnSignal(ctx context.Context, signals <-chan os.Signal, breakers *circuitbreaker.Registry) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			logging.Log.WithField("signal", sig.String()).Info("resetting circuit breakers")
			breakers.ResetAll()
		}
	}
}
