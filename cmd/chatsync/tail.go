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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/relaychat/chatsync"
	"github.com/spf13/cobra"
)

var (
	tailMetricsAddr string
	tailFriend      string
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	tailCmd.Flags().StringVar(&tailFriend, "friend", "", "Also follow the conversation with this friend id")
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow push events until interrupted",
	Long:  "Sign in, load conversations and notifications, and print every cache change caused by push events. Ctrl-C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		log := cliLogger(cfg)

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		metrics := chatsync.NewMetrics(reg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if tailMetricsAddr != "" {
			srv := &http.Server{
				Addr:              tailMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Str("addr", tailMetricsAddr).Msg("metrics server failed")
				}
			}()
			defer srv.Shutdown(context.Background())
			log.Info().Str("addr", tailMetricsAddr).Msg("serving metrics")
		}

		s := newSession(cfg, log, chatsync.WithMetrics(metrics))
		loginCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		err := login(loginCtx, s, cfg)
		cancel()
		if err != nil {
			return err
		}
		defer s.Logout(context.Background())

		// Values must be cached for push events to be applied to them.
		loadCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		if _, err := s.Messages().LoadConversations(loadCtx); err != nil {
			log.Warn().Err(err).Msg("loading conversations failed")
		}
		if tailFriend != "" {
			if _, err := s.Messages().LoadMessages(loadCtx, chatsync.ID(tailFriend)); err != nil {
				log.Warn().Err(err).Msg("loading conversation failed")
			}
			s.OpenConversation(chatsync.ID(tailFriend))
		}
		for _, st := range []chatsync.NotificationStatus{chatsync.StatusUnread, chatsync.StatusRead} {
			if _, err := s.Notifications().LoadHeader(loadCtx, st); err != nil {
				log.Warn().Err(err).Str("status", st.String()).Msg("loading notifications failed")
			}
		}
		count, _ := s.Notifications().LoadUnreadCount(loadCtx)
		cancel()

		fmt.Printf("Following events as %s (unread: %d). Ctrl-C to stop.\n", s.Identity().UserID, count)
		unsubscribe := s.Cache().Subscribe(chatsync.Key{}, func(ev chatsync.CacheEvent) {
			printEvent(s, ev)
		})
		defer unsubscribe()

		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				fmt.Println("Stopped.")
				return nil
			case <-ticker.C:
				log.Debug().
					Str("messages", string(s.HubState(chatsync.MessageHub.Name))).
					Str("notifications", string(s.HubState(chatsync.NotificationHub.Name))).
					Msg("hub states")
			}
		}
	},
}

func printEvent(s *chatsync.Session, ev chatsync.CacheEvent) {
	ts := time.Now().Format("15:04:05")
	if ev.Kind != chatsync.EventUpdated {
		fmt.Printf("%s %-11s %s\n", ts, ev.Kind, ev.Key)
		return
	}
	v, _ := s.Cache().Read(ev.Key)
	switch val := v.(type) {
	case []chatsync.Message:
		if len(val) > 0 {
			last := val[len(val)-1]
			fmt.Printf("%s %-11s %s  last: %s: %s\n", ts, ev.Kind, ev.Key, last.SenderID, truncate(last.Content, 60))
			return
		}
	case chatsync.NotificationWindow:
		fmt.Printf("%s %-11s %s  %d shown, %d total\n", ts, ev.Kind, ev.Key, len(val.Items), val.Total)
		return
	case int:
		fmt.Printf("%s %-11s %s  = %d\n", ts, ev.Kind, ev.Key, val)
		return
	}
	fmt.Printf("%s %-11s %s\n", ts, ev.Kind, ev.Key)
}
