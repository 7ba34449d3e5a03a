package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/NicolasHaas/gorelay/pkg/client"
	"github.com/NicolasHaas/gorelay/pkg/logging"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
	"github.com/NicolasHaas/gorelay/pkg/version"
)

func main() {
	var logLevel, profilesPath string
	rootCmd := &cobra.Command{
		Use:   "gorelay-cli",
		Short: "Terminal client for a gorelay server",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return logging.Setup(logging.Options{Level: logLevel, Format: "text", Output: os.Stderr})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: "+logging.LevelNames())
	rootCmd.PersistentFlags().StringVar(&profilesPath, "profiles", "", "Profiles file (default: profiles.yaml next to the binary)")

	rootCmd.AddCommand(
		chatCmd(&profilesPath),
		profileCmd(&profilesPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "gorelay-cli %s\n", version.Full())
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func chatCmd(profilesPath *string) *cobra.Command {
	var p client.Profile
	var profileName string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Log in and chat; lines are sent to the group",
		Long: `Log in and chat. Each input line is sent as a group message.

  /msg <user-id> <text>   send a private message
  /status <online|away|busy>
  /who                    search users, e.g. /who ali
  /quit                   log out`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store := client.NewProfileStore(*profilesPath)
			if err := store.Load(); err != nil {
				return err
			}
			if profileName != "" {
				saved, ok := store.Get(profileName)
				if !ok {
					return fmt.Errorf("unknown profile %q", profileName)
				}
				if !cmd.Flags().Changed("addr") {
					p.Addr = saved.Addr
					p.TLS, p.Insecure = saved.TLS, saved.Insecure
				}
				if !cmd.Flags().Changed("login") {
					p.Login = saved.Login
				}
			}
			password := os.Getenv("GORELAY_PASSWORD")

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			c, err := client.Dial(ctx, p.Addr, p.Options())
			cancel()
			if err != nil {
				return err
			}
			defer c.Close()

			accepted, err := c.Authenticate(p.Login, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (id %d, %s)\n", accepted.User.Username, accepted.User.ID, accepted.User.Role)
			if profileName != "" && store.Touch(profileName, time.Now().Unix()) {
				if err := store.Save(); err != nil {
					slog.Warn("save profiles", "err", err)
				}
			}

			out := cmd.OutOrStdout()
			c.StartReceiving(func(ev protocol.Event) { printEvent(out, ev) })
			go readInput(cmd.InOrStdin(), c)
			<-c.Done()
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&profileName, "profile", "", "Saved profile to use")
	fs.StringVar(&p.Addr, "addr", "localhost:9600", "Server TCP address")
	fs.BoolVar(&p.TLS, "tls", true, "Use TLS")
	fs.BoolVar(&p.Insecure, "insecure", false, "Accept self-signed certificates")
	fs.StringVar(&p.Login, "login", "", "Username or email (password from GORELAY_PASSWORD)")
	return cmd
}

func readInput(in io.Reader, c *client.Client) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		req, quit := parseLine(sc.Text())
		if req != nil {
			if err := c.Send(req); err != nil {
				slog.Error("send", "err", err)
				return
			}
		}
		if quit {
			return
		}
	}
	_ = c.Send(&protocol.Logout{})
}

func parseLine(line string) (req protocol.Request, quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}
	if !strings.HasPrefix(line, "/") {
		return &protocol.SendGroupMessage{Body: line}, false
	}
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit":
		return &protocol.Logout{}, true
	case "/status":
		return &protocol.ChangePresence{Status: strings.TrimSpace(rest)}, false
	case "/who":
		return &protocol.SearchUsers{Query: strings.TrimSpace(rest)}, false
	case "/msg":
		idStr, body, _ := strings.Cut(strings.TrimSpace(rest), " ")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			slog.Warn("usage: /msg <user-id> <text>")
			return nil, false
		}
		return &protocol.SendPrivateMessage{ReceiverID: id, Body: body}, false
	default:
		slog.Warn("unknown command", "cmd", cmd)
		return nil, false
	}
}

func printEvent(w io.Writer, ev protocol.Event) {
	switch ev := ev.(type) {
	case *protocol.GroupMessageBroadcast:
		fmt.Fprintf(w, "[%s] %s: %s\n", ev.CreatedAt.Local().Format("15:04"), ev.SenderName, ev.Body)
	case *protocol.PrivateMessageDelivered:
		fmt.Fprintf(w, "[%s] %s -> %s: %s\n", ev.CreatedAt.Local().Format("15:04"), ev.SenderName, ev.ReceiverName, ev.Body)
	case *protocol.PresenceListUpdate:
		var online []string
		for _, u := range ev.Users {
			if u.Online {
				online = append(online, fmt.Sprintf("%s(%d,%s)", u.Username, u.ID, u.Status))
			}
		}
		fmt.Fprintf(w, "* online: %s\n", strings.Join(online, " "))
	case *protocol.UserSearchResults:
		for _, u := range ev.Users {
			fmt.Fprintf(w, "* %d %s %s\n", u.ID, u.Username, u.Status)
		}
	case *protocol.ForcedDisconnectNotice:
		fmt.Fprintf(w, "* disconnected by server: %s\n", ev.Reason)
	case *protocol.ErrorNotice:
		fmt.Fprintf(w, "! error %d: %s\n", ev.Code, ev.Message)
	case *protocol.OperationAck:
		fmt.Fprintf(w, "* %s\n", ev.Message)
	default:
		slog.Debug("event", "kind", ev.Kind())
	}
}

func profileCmd(profilesPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "profile", Short: "Manage saved servers"}

	var p client.Profile
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Save or replace a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := client.NewProfileStore(*profilesPath)
			if err := store.Load(); err != nil {
				return err
			}
			p.Name = args[0]
			store.Put(p)
			return store.Save()
		},
	}
	add.Flags().StringVar(&p.Addr, "addr", "localhost:9600", "Server TCP address")
	add.Flags().BoolVar(&p.TLS, "tls", true, "Use TLS")
	add.Flags().BoolVar(&p.Insecure, "insecure", false, "Accept self-signed certificates")
	add.Flags().StringVar(&p.Login, "login", "", "Username or email")

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved profiles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store := client.NewProfileStore(*profilesPath)
			if err := store.Load(); err != nil {
				return err
			}
			for _, p := range store.Profiles {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\ttls=%t\t%s\n", p.Name, p.Addr, p.TLS, p.Login)
			}
			return nil
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}
