package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bookingsaga/booking"
	"bookingsaga/booking/sagas"
	"bookingsaga/config"
	"bookingsaga/logging"
	"bookingsaga/messaging/transport/natsjetstream"
	"bookingsaga/messaging/transport/redisstreams"
)

func newMigrateCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the booking and outbox tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := ro.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(cmd.Context(), a)
			fmt.Fprintln(cmd.OutOrStdout(), "schema ready")
			return nil
		},
	}
}

func newSeedCmd(ro *rootOptions) *cobra.Command {
	var (
		b      booking.Booking
		status string
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert a booking (demo helper)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b.Status = booking.Status(status)
			a, err := ro.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(cmd.Context(), a)
			if err := a.Bookings.Create(cmd.Context(), &b); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), b)
		},
	}
	f := cmd.Flags()
	f.StringVar(&b.ID, "id", "", "booking id")
	f.StringVar(&b.UserID, "user", "", "owner user id")
	f.Int64Var(&b.FinalAmount, "amount", 0, "final amount in minor units")
	f.StringVar(&b.Currency, "currency", "KRW", "currency code")
	f.StringVar(&b.PaymentMethod, "method", "card", "payment method")
	f.StringVar(&b.ChargeID, "charge", "", "existing charge id (paid bookings)")
	f.StringVar(&status, "status", string(booking.StatusConfirmed), "booking status")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newCancelCmd(ro *rootOptions) *cobra.Command {
	var (
		req          sagas.CancelRequest
		refundAmount int64
	)
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Run the booking cancellation saga",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("refund-amount") {
				req.RefundAmount = &refundAmount
			}
			a, err := ro.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(cmd.Context(), a)
			out, err := a.Sagas.Cancel(cmd.Context(), req)
			if err != nil {
				return err
			}
			return report(cmd, out)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.BookingID, "booking", "", "booking id")
	f.StringVar(&req.UserID, "user", "", "requesting user id")
	f.StringVar(&req.Reason, "reason", "", "cancellation reason")
	f.Int64Var(&refundAmount, "refund-amount", 0, "refund amount override in minor units")
	f.StringVar(&req.IdempotencyKey, "idempotency-key", "", "idempotency key for safe retries")
	f.StringVar(&req.CorrelationID, "correlation-id", "", "correlation id (generated when empty)")
	_ = cmd.MarkFlagRequired("booking")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newPayCmd(ro *rootOptions) *cobra.Command {
	var req sagas.PayRequest
	cmd := &cobra.Command{
		Use:   "pay",
		Short: "Run the booking payment saga",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := ro.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(cmd.Context(), a)
			out, err := a.Sagas.Pay(cmd.Context(), req)
			if err != nil {
				return err
			}
			return report(cmd, out)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.BookingID, "booking", "", "booking id")
	f.StringVar(&req.UserID, "user", "", "paying user id")
	f.StringVar(&req.PaymentMethod, "method", "", "payment method (defaults to the booking's)")
	f.StringVar(&req.IdempotencyKey, "idempotency-key", "", "idempotency key for safe retries")
	f.StringVar(&req.CorrelationID, "correlation-id", "", "correlation id (generated when empty)")
	_ = cmd.MarkFlagRequired("booking")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// report 输出结果，失败时返回 errSagaFailed 以得到非零退出码
func report(cmd *cobra.Command, out sagas.Outcome) error {
	if err := printJSON(cmd.OutOrStdout(), out); err != nil {
		return err
	}
	if !out.Success {
		return errSagaFailed
	}
	return nil
}

func newRelayCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Deliver outbox events to the configured sink until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := ro.openApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			sink, closeSink, err := a.StartSink(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = closeSink() }()

			relay := a.NewRelay(sink)
			if err := relay.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = relay.Stop() }()

			if a.Config.Metrics.Enabled {
				srv := &http.Server{Addr: a.Config.Metrics.Addr, Handler: metricsMux(a.MetricsHandler()), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.Logger.Error(ctx, "metrics server failed", logging.Error(err))
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info(ctx, "metrics endpoint listening", logging.String("addr", a.Config.Metrics.Addr))
			}

			a.Logger.Info(ctx, "outbox relay running")
			<-ctx.Done()
			a.Logger.Info(context.WithoutCancel(ctx), "shutting down outbox relay")
			return nil
		},
	}
}

func metricsMux(h http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	return mux
}

func newWatchCmd(ro *rootOptions) *cobra.Command {
	var topic, durable string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print events delivered to the configured sink for a topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := ro.openApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			out := cmd.OutOrStdout()
			if a.Config.Relay.Sink == config.SinkRedisStreams {
				streams, err := a.NewStreamsSink()
				if err != nil {
					return err
				}
				return streams.Consume(ctx, topic, func(_ context.Context, msg redisstreams.Message) error {
					return printJSON(out, msg)
				})
			}

			sink := a.NewSink()
			if err := sink.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = sink.Close() }()

			sub, err := sink.Subscribe(topic, durable, func(_ context.Context, env natsjetstream.Envelope) error {
				return printJSON(out, env)
			})
			if err != nil {
				return err
			}
			defer func() { _ = sub.Drain() }()

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&topic, "topic", ">", "topic to watch (NATS wildcards allowed; an exact topic for redis streams)")
	cmd.Flags().StringVar(&durable, "durable", "", "durable consumer name (NATS only)")
	return cmd
}
