package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"

	"github.com/waule/mjgateway/internal/account"
	"github.com/waule/mjgateway/internal/config"
	"github.com/waule/mjgateway/internal/db"
	"github.com/waule/mjgateway/internal/models"
)

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Account registry commands",
	}

	cmd.AddCommand(newAccountsListCmd())
	cmd.AddCommand(newAccountsAddCmd())
	cmd.AddCommand(newAccountsEnableCmd())
	cmd.AddCommand(newAccountsDisableCmd())
	return cmd
}

func connectFromConfig(configPath string) (*gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(gormDB); err != nil {
		return nil, err
	}
	return gormDB, nil
}

func newAccountsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			accts, err := account.Active(gormDB)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tGUILD\tCHANNEL\tREQUESTS\tERRORS\tLAST ERROR")
			for _, a := range accts {
				lastErr := a.LastError
				if len(lastErr) > 40 {
					lastErr = lastErr[:40] + "…"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%s\n",
					a.ID, a.DisplayName(), a.GuildID, a.ChannelID,
					a.RequestCount, a.ErrorCount, lastErr)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "mjgw.yaml", "path to config file")
	return cmd
}

func newAccountsAddCmd() *cobra.Command {
	var (
		configPath string
		name       string
		guildID    string
		channelID  string
		token      string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an account",
		Long:  "Registers an account for the pool. The user token is prompted for interactively unless --token is given; prefer the prompt so the token stays out of shell history.",
		RunE: func(cmd *cobra.Command, args []string) error {
			gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			if token == "" {
				fmt.Fprint(cmd.OutOrStdout(), "User token: ")
				raw, rerr := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(cmd.OutOrStdout())
				if rerr != nil {
					return fmt.Errorf("read token: %w", rerr)
				}
				token = string(raw)
			}

			acct := &models.Account{
				Name:      name,
				UserToken: token,
				GuildID:   guildID,
				ChannelID: channelID,
				Active:    true,
			}
			if err := account.Create(gormDB, acct); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added account %d (%s)\n", acct.ID, acct.DisplayName())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "mjgw.yaml", "path to config file")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&guildID, "guild", "", "guild id (required)")
	cmd.Flags().StringVar(&channelID, "channel", "", "channel id (required)")
	cmd.Flags().StringVar(&token, "token", "", "user token (omit to be prompted)")
	cmd.MarkFlagRequired("guild")
	cmd.MarkFlagRequired("channel")
	return cmd
}

func newAccountsEnableCmd() *cobra.Command {
	return newSetActiveCmd("enable", "Enable an account", true)
}

func newAccountsDisableCmd() *cobra.Command {
	return newSetActiveCmd("disable", "Disable an account (existing sockets close on next restart)", false)
}

func newSetActiveCmd(use, short string, active bool) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid account id %q", args[0])
			}
			gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := account.SetActive(gormDB, id, active); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Account %d %sd\n", id, use)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "mjgw.yaml", "path to config file")
	return cmd
}
