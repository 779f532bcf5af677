// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is the entrypoint for the msgroute message routing hub.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/turtacn/msgroute-go/pkg/config"
	msgtls "github.com/turtacn/msgroute-go/pkg/tls"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "msgroute",
		Short:        "Message routing hub",
		Long:         "msgroute routes client messages and commands to services over pluggable endpoints.",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to configuration file (.yaml, .yml or .json); env MSGROUTE_CONFIG")

	root.AddCommand(newServeCmd(), newDescribeCmd(), newConfigCmd(), newUsersCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the broker and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			b, err := config.Build(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := b.Start(ctx); err != nil {
				return fmt.Errorf("failed to start broker %s: %w", b.ID(), err)
			}
			log.Printf("[INFO] Broker %s started with %d services and %d endpoints",
				b.ID(), len(b.Services()), len(b.Endpoints()))

			<-ctx.Done()
			log.Println("[INFO] Shutdown signal received, stopping broker")
			return b.Stop()
		},
	}
}

func newDescribeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Print the capability descriptor clients receive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			endpointID, _ := cmd.Flags().GetString("endpoint")
			reliable, _ := cmd.Flags().GetBool("reliable")
			format, _ := cmd.Flags().GetString("format")

			// Nothing is started, so endpoint addresses are never bound.
			cfg.Broker.Admin.Enabled = false
			b, err := config.Build(cfg)
			if err != nil {
				return err
			}
			return writeFormatted(cmd.OutOrStdout(), format, b.DescribeServices(endpointID, reliable))
		},
	}
	cmd.Flags().StringP("endpoint", "e", "", "Describe only destinations reachable over this endpoint")
	cmd.Flags().Bool("reliable", false, "Describe only reliable destinations")
	cmd.Flags().StringP("format", "f", "yaml", "Output format: yaml or json")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	generate := &cobra.Command{
		Use:   "generate [output-file]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.yaml"
			if len(args) > 0 {
				path = args[0]
			}
			if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sample configuration written to %s\n", path)
			return nil
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and report errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration for broker %s is valid\n", cfg.Broker.ID)
			return nil
		},
	}

	certs := &cobra.Command{
		Use:   "certs <dir>",
		Short: "Write a self-signed certificate for development TLS endpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hosts, _ := cmd.Flags().GetStringSlice("hosts")
			validFor, _ := cmd.Flags().GetDuration("valid-for")
			certFile, keyFile, err := msgtls.GenerateSelfSigned(args[0], hosts, validFor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Certificate written to %s\nKey written to %s\n", certFile, keyFile)
			return nil
		},
	}
	certs.Flags().StringSlice("hosts", []string{"localhost", "127.0.0.1"}, "Host names and addresses the certificate is valid for")
	certs.Flags().Duration("valid-for", 365*24*time.Hour, "Certificate lifetime")

	cmd.AddCommand(generate, validate, certs)
	return cmd
}

func newUsersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage users of the built-in authenticator",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List configured users",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "USERNAME\tALGORITHM\tENABLED\tROLES")
			for _, u := range cfg.Broker.Auth.Users {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", u.Username, u.Algorithm, u.Enabled, strings.Join(u.Roles, ","))
			}
			return w.Flush()
		},
	}

	add := &cobra.Command{
		Use:   "add <username> <password>",
		Short: "Add a user to the configuration file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, cfg, err := loadConfigFile(cmd)
			if err != nil {
				return err
			}
			algorithm, _ := cmd.Flags().GetString("algo")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			disabled, _ := cmd.Flags().GetBool("disabled")
			if err := cfg.AddUser(args[0], args[1], algorithm, !disabled, roles...); err != nil {
				return err
			}
			return config.SaveConfig(cfg, path)
		},
	}
	add.Flags().String("algo", "bcrypt", "Password algorithm: plain, sha256, bcrypt")
	add.Flags().StringSlice("roles", nil, "Roles granted to the user")
	add.Flags().Bool("disabled", false, "Add the user disabled")

	remove := &cobra.Command{
		Use:   "remove <username>",
		Short: "Remove a user from the configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, cfg, err := loadConfigFile(cmd)
			if err != nil {
				return err
			}
			if err := cfg.RemoveUser(args[0]); err != nil {
				return err
			}
			return config.SaveConfig(cfg, path)
		},
	}

	cmd.AddCommand(list, add, remove)
	return cmd
}

// settings resolves flags, falling back to MSGROUTE_* environment
// variables. Nested keys map to underscores: broker.id is MSGROUTE_BROKER_ID.
func settings(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("MSGROUTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		log.Printf("[WARN] Failed to bind flags: %v", err)
	}
	return v
}

// loadConfig loads the configuration file and applies environment overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := settings(cmd)
	cfg, err := config.LoadConfig(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	applyOverrides(v, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyOverrides(v *viper.Viper, cfg *config.Config) {
	if v.IsSet("broker.id") {
		cfg.Broker.ID = v.GetString("broker.id")
	}
	if v.IsSet("admin.addr") {
		cfg.Broker.Admin.Addr = v.GetString("admin.addr")
	}
	if v.IsSet("auth.sql.dsn") && cfg.Broker.Auth.SQL != nil {
		cfg.Broker.Auth.SQL.DSN = v.GetString("auth.sql.dsn")
	}
}

// loadConfigFile is loadConfig for commands that write the file back, so no
// environment overrides are applied.
func loadConfigFile(cmd *cobra.Command) (string, *config.Config, error) {
	path := settings(cmd).GetString("config")
	if path == "" {
		return "", nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.LoadConfig(path)
	return path, cfg, err
}

func writeFormatted(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		out, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	default:
		return fmt.Errorf("unsupported output format: %s (supported: yaml, json)", format)
	}
}
