package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"otp-auth-service/internal/factory"
	"otp-auth-service/internal/handler"
	"otp-auth-service/internal/util"
)

const (
	maintenanceInterval = time.Hour
	reportInterval      = 24 * time.Hour
)

func main() {
	// Initialize factory (which loads config and initializes all clients)
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()

	// Setup HTTP router with handlers using Chi
	router := setupRouter(f)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		util.Info("Server starting",
			util.String("environment", cfg.Environment),
			util.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		return runMaintenance(groupCtx, f)
	})

	group.Go(func() error {
		signalChan := make(chan os.Signal, 1)
		signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

		select {
		case sig := <-signalChan:
			util.Info("Received shutdown signal", util.String("signal", sig.String()))
		case <-groupCtx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
		} else {
			util.Info("Server shutdown completed")
		}
		cancel()
		return nil
	})

	if err := group.Wait(); err != nil {
		util.Fatal("Server failed", util.ErrorField(err))
	}
	util.Sync()
}

// setupRouter creates the HTTP router with all handlers using Chi
func setupRouter(f *factory.Factory) http.Handler {
	serviceFactory := f.ServiceFactory()
	authHandler := handler.NewAuthHandler(serviceFactory)
	return handler.NewRouter(authHandler, util.Get())
}

// runMaintenance prunes aged OTP rows and expired blacklist entries
// on a fixed interval, and emits a daily delivery report.
func runMaintenance(ctx context.Context, f *factory.Factory) error {
	serviceFactory := f.ServiceFactory()
	otpService := serviceFactory.OTPService()
	tokenService := serviceFactory.TokenService()
	recorder := serviceFactory.Recorder()

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	reportTicker := time.NewTicker(reportInterval)
	defer reportTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			runCtx, runCancel := context.WithTimeout(ctx, 10*time.Minute)

			if deleted, err := otpService.CleanupExpired(runCtx); err != nil {
				util.Error("OTP cleanup failed", util.ErrorField(err))
			} else if deleted > 0 {
				util.Info("OTP cleanup completed", util.Int("deleted", deleted))
			}

			if deleted, err := tokenService.CleanupExpiredBlacklist(runCtx); err != nil {
				util.Error("Blacklist cleanup failed", util.ErrorField(err))
			} else if deleted > 0 {
				util.Info("Blacklist cleanup completed", util.Int("deleted", deleted))
			}

			runCancel()
		case <-reportTicker.C:
			runCtx, runCancel := context.WithTimeout(ctx, time.Minute)

			now := time.Now().UTC()
			if stats, err := recorder.DeliveryReport(runCtx, now.Add(-reportInterval), now); err != nil {
				util.Error("Delivery report failed", util.ErrorField(err))
			} else {
				util.Info("OTP delivery report",
					util.Int("sent", int(stats.Sent)),
					util.Int("verified", int(stats.Verified)),
					util.Int("failed", int(stats.Failed)),
					util.Int("unique_phones", int(stats.UniquePhones)),
				)
			}

			runCancel()
		}
	}
}
