package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/rendis/webforge/internal/store"
	"github.com/rendis/webforge/internal/vault"
	"github.com/rendis/webforge/pkg/schema"
)

func (c *cli) credentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credential",
		Aliases: []string{"cred"},
		Short:   "Manage encrypted credentials",
	}
	cmd.AddCommand(
		c.credentialAddCmd(),
		c.credentialListCmd(),
		c.credentialVerifyCmd(),
		c.credentialDeleteCmd(),
		c.credentialRotateCmd(),
		c.credentialExpireCmd(),
	)
	return cmd
}

func (c *cli) credentialAddCmd() *cobra.Command {
	var (
		typ         string
		payloadFile string
		fields      map[string]string
		metadata    map[string]string
		expiresIn   time.Duration
		expiresAt   string
	)
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Encrypt and store a credential",
		Long: `Encrypt and store a credential. The secret payload is read from
--payload-file (JSON object, "-" for stdin) or assembled from --field pairs.

Types and their payload fields:
  ssh_key            private_key, public_key, passphrase
  https_token        username, token
  username_password  username, password
  registry_basic     username, password, registry_url
  registry_keypair   access_key_id, secret_access_key, session_token, region`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := vault.Payload{}
			if payloadFile != "" {
				if err := readJSON(cmd.InOrStdin(), payloadFile, &payload); err != nil {
					return err
				}
			}
			for k, v := range fields {
				payload[k] = v
			}
			if len(payload) == 0 {
				return schema.NewError(schema.ErrCodeValidation, "a payload is required: use --payload-file or --field")
			}
			expiry, err := parseExpiry(expiresIn, expiresAt, time.Now())
			if err != nil {
				return err
			}

			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			cred, err := a.vault.Create(cmd.Context(), vault.CreateCredential{
				Name:      args[0],
				Type:      schema.CredentialType(typ),
				Payload:   payload,
				Metadata:  metadata,
				ExpiresAt: expiry,
			})
			if err != nil {
				return err
			}
			return c.emit(cmd, cred, func(w io.Writer) {
				fmt.Fprintf(w, "Created credential %s (%s) %s\n", cred.Name, cred.Type, cred.ID)
			})
		},
	}
	cmd.Flags().StringVarP(&typ, "type", "t", "", "credential type")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "JSON payload file, - for stdin")
	cmd.Flags().StringToStringVar(&fields, "field", nil, "payload field as key=value (repeatable)")
	cmd.Flags().StringToStringVar(&metadata, "metadata", nil, "non-secret metadata as key=value (repeatable)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "expire after this duration")
	cmd.Flags().StringVar(&expiresAt, "expires-at", "", "expire at this RFC3339 time")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func (c *cli) credentialListCmd() *cobra.Command {
	var (
		typ string
		all bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List credentials without their secrets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			filter := vault.ListFilter{IncludeExpired: all, IncludeInactive: all}
			if typ != "" {
				filter.Type = lo.ToPtr(schema.CredentialType(typ))
			}
			creds, err := a.vault.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return c.emit(cmd, creds, func(w io.Writer) {
				row(w, "ID", "NAME", "TYPE", "STATE", "EXPIRES", "LAST USED", "METADATA")
				for _, cr := range creds {
					row(w, cr.ID, cr.Name, cr.Type, cr.Lifecycle, ago(cr.ExpiresAt), ago(cr.LastUsedAt), metadataString(cr))
				}
			})
		},
	}
	cmd.Flags().StringVarP(&typ, "type", "t", "", "only list this credential type")
	cmd.Flags().BoolVar(&all, "all", false, "include expired and deactivated credentials")
	return cmd
}

func (c *cli) credentialVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify ID",
		Short: "Decrypt a credential and check its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			ok, reason, err := a.vault.Verify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			result := map[string]any{"id": args[0], "valid": ok, "message": reason}
			if err := c.emit(cmd, result, func(w io.Writer) {
				if ok {
					fmt.Fprintln(w, "Credential is valid")
					return
				}
				fmt.Fprintln(w, "Credential is invalid:", reason)
			}); err != nil {
				return err
			}
			if !ok {
				return schema.NewErrorf(schema.ErrCodeIntegrity, "credential %s failed verification", args[0])
			}
			return nil
		},
	}
}

func (c *cli) credentialDeleteCmd() *cobra.Command {
	var hard bool
	cmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Deactivate a credential, or remove it with --hard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			if err := a.vault.Delete(cmd.Context(), args[0], hard); err != nil {
				return err
			}
			verb := "Deactivated"
			if hard {
				verb = "Deleted"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s credential %s\n", verb, args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&hard, "hard", false, "remove the record instead of deactivating it")
	return cmd
}

func (c *cli) credentialRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Re-encrypt credentials sealed with a retired master secret",
		Long: `Re-encrypt every credential that is not sealed with the current master
secret. Put the previous secret in WEBFORGE_CIPHER_RETIRED_SECRETS and the new
one in WEBFORGE_CIPHER_MASTER_SECRET before running it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			n, err := a.vault.RotateKeys(cmd.Context())
			if err != nil {
				return err
			}
			return c.emit(cmd, map[string]int{"rotated": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Rotated %d credentials\n", n)
			})
		},
	}
}

func (c *cli) credentialExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Deactivate credentials past their expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			n, err := a.vault.DeactivateExpired(cmd.Context())
			if err != nil {
				return err
			}
			return c.emit(cmd, map[string]int{"deactivated": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Deactivated %d credentials\n", n)
			})
		},
	}
}

func metadataString(cr *store.Credential) string {
	if len(cr.Metadata) == 0 {
		return "-"
	}
	keys := lo.Keys(cr.Metadata)
	sort.Strings(keys)
	return strings.Join(lo.Map(keys, func(k string, _ int) string { return k + "=" + cr.Metadata[k] }), ",")
}
