package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/forumlive/internal/auth"
	"github.com/dgnsrekt/forumlive/internal/config"
	"github.com/dgnsrekt/forumlive/internal/store"
)

func postCmd() *cobra.Command {
	var (
		contentID int64
		receiver  int64
	)

	cmd := &cobra.Command{
		Use:   "post TEXT...",
		Short: "Post a message to a content room",
		Example: `  livectl post --content 3 hello everyone
  livectl post --content 3 --to 7 just for you`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := newClient().PostMessage(cmd.Context(), store.MessageInput{
				ContentID:     contentID,
				Text:          strings.Join(args, " "),
				ReceiveUserID: receiver,
			})
			if err != nil {
				return err
			}
			logger.Info("message posted", zap.Int64("id", id), zap.Int64("contentID", contentID))
			return printJSON(cmd.OutOrStdout(), map[string]int64{"id": id})
		},
	}

	cmd.Flags().Int64Var(&contentID, "content", 0, "content room id")
	cmd.Flags().Int64Var(&receiver, "to", 0, "recipient user id for a private message")
	cmd.MarkFlagRequired("content")

	return cmd
}

func lastIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lastid",
		Short: "Print the newest event id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := newClient().LastID(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
}

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register USERNAME",
		Short: "Create a user and print its id and token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, tok, err := newClient().CreateUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"id": id, "token": tok})
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		userID   int64
		username string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token with the server's secret",
		Long: `Mint a bearer token signed with auth.secret from the server configuration.

Intended for development: anyone holding the secret can act as any user.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = cfg.Auth.TokenTTL
			}

			tok, err := auth.New(cfg.Auth.Secret, ttl, logger).Issue(userID, username)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	cmd.Flags().StringVar(&username, "name", "", "username claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	cmd.MarkFlagRequired("user")

	return cmd
}
