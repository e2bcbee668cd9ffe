package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/shellport/shellport/internal/config"
	"github.com/shellport/shellport/internal/credentials"
	"github.com/shellport/shellport/internal/database"
	"github.com/shellport/shellport/internal/handlers"
	"github.com/shellport/shellport/internal/sshconn"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// readSecret returns flagValue when set, otherwise prompts on a terminal or
// reads one line from stdin.
func readSecret(cmd *cobra.Command, flagValue, prompt string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read passphrase: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage the secret vault",
	}

	var passphrase string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the vault with a master passphrase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(false)
			if err != nil {
				return err
			}
			defer svc.close()
			pw, err := readSecret(cmd, passphrase, "Master passphrase: ")
			if err != nil {
				return err
			}
			if pw == "" {
				return errors.New("passphrase must not be empty")
			}
			if err := svc.vault.Init(pw); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Vault initialized.")
			return nil
		},
	}
	initCmd.Flags().StringVar(&passphrase, "passphrase", "", "Master passphrase (read from stdin when omitted)")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the vault is initialized",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(false)
			if err != nil {
				return err
			}
			defer svc.close()
			st, err := svc.vault.Status()
			if err != nil {
				return err
			}
			keys := 0
			if st.Initialized {
				var n int64
				if err := database.DB.Model(&database.VaultKey{}).Count(&n).Error; err != nil {
					return err
				}
				keys = int(n)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized: %v\nsecrets: %d\n", st.Initialized, keys)
			return nil
		},
	}

	var checkPass string
	unlockCheckCmd := &cobra.Command{
		Use:   "unlock-check",
		Short: "Verify a master passphrase without starting the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(false)
			if err != nil {
				return err
			}
			defer svc.close()
			pw, err := readSecret(cmd, checkPass, "Master passphrase: ")
			if err != nil {
				return err
			}
			ok, err := svc.vault.Unlock(pw)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("invalid master password")
			}
			svc.vault.Lock()
			fmt.Fprintln(cmd.OutOrStdout(), "Passphrase OK.")
			return nil
		},
	}
	unlockCheckCmd.Flags().StringVar(&checkPass, "passphrase", "", "Master passphrase (read from stdin when omitted)")

	cmd.AddCommand(initCmd, statusCmd, unlockCheckCmd)
	return cmd
}

// serverFile is the layout accepted by "servers import".
type serverFile struct {
	Servers []handlers.ServerInput `yaml:"servers"`
}

// importServers decodes a YAML server list and stores every entry with a
// fresh id. Nothing is stored if any entry is invalid.
func importServers(db *gorm.DB, r io.Reader) ([]database.Server, error) {
	var f serverFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse servers file: %w", err)
	}

	out := make([]database.Server, 0, len(f.Servers))
	for i, in := range f.Servers {
		s := database.Server{ID: uuid.NewString()}
		if err := handlers.ApplyServerInput(&s, in); err != nil {
			return nil, fmt.Errorf("server %d (%s): %w", i+1, in.Name, err)
		}
		out = append(out, s)
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		for i := range out {
			if err := database.SaveServer(tx, &out[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("save servers: %w", err)
	}
	return out, nil
}

func newServersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage stored servers",
	}

	importCmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import servers from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			if err := database.Init(); err != nil {
				return fmt.Errorf("database init: %w", err)
			}
			defer database.Close()

			saved, err := importServers(database.DB, f)
			if err != nil {
				return err
			}
			for _, s := range saved {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", s.ID, s.Name)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d server(s).\n", len(saved))
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := database.Init(); err != nil {
				return fmt.Errorf("database init: %w", err)
			}
			defer database.Close()
			list, err := database.ListServers(database.DB)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tADDRESS\tUSER\tAUTH")
			for _, s := range list {
				fmt.Fprintf(w, "%s\t%s\t%s:%d\t%s\t%s\n", s.ID, s.Name, s.Host, s.Port, s.Username, s.AuthType)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(importCmd, listCmd)
	return cmd
}

func newTestConnectionCmd() *cobra.Command {
	var serverID, alias, password, vaultPass string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "test-connection",
		Short: "Open a connection and run whoami",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (serverID == "") == (alias == "") {
				return errors.New("exactly one of --server or --alias is required")
			}
			svc, err := openServices(false)
			if err != nil {
				return err
			}
			defer svc.close()

			if vaultPass != "" {
				ok, err := svc.vault.Unlock(vaultPass)
				if err != nil {
					return err
				}
				if !ok {
					return errors.New("invalid master password")
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var cfg sshconn.Config
			if serverID != "" {
				cfg, err = svc.creds.Resolve(ctx, serverID)
			} else {
				cfg, err = svc.creds.FromAlias(alias)
				if password != "" {
					cfg.Password = sshconn.Secret(password)
				}
			}
			if err != nil {
				return err
			}
			if cfg.ConnectTimeout <= 0 {
				cfg.ConnectTimeout = config.Cfg.ConnectTimeout
			}
			if cfg.KeepAliveInterval <= 0 {
				cfg.KeepAliveInterval = config.Cfg.KeepAliveInterval
			}

			start := time.Now()
			user, err := sshconn.Probe(ctx, cfg, svc.dialOpts...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Connected to %s as %s (%s)\n",
				cfg.Addr(), user, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&serverID, "server", "", "Stored server id")
	cmd.Flags().StringVar(&alias, "alias", "", "Host alias from ssh_config")
	cmd.Flags().StringVar(&password, "password", "", "Password for an alias without an identity file")
	cmd.Flags().StringVar(&vaultPass, "vault-passphrase", "", "Unlock the vault for servers that reference it")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall timeout")
	return cmd
}

func newAliasesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "aliases",
		Short: "List host aliases from ssh_config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []credentials.Option
			if config.Cfg.SSHConfigPath != "" {
				opts = append(opts, credentials.WithSSHConfigPath(config.Cfg.SSHConfigPath))
			}
			list, err := credentials.New(nil, nil, opts...).Aliases()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ALIAS\tHOSTNAME\tUSER\tPORT\tIDENTITY")
			for _, a := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", a.Name, a.HostName, a.User, a.Port, a.IdentityFile)
			}
			return w.Flush()
		},
	}
}
