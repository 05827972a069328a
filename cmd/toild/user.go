package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/toil-ledger/auth"
	"github.com/warp/toil-ledger/toil"
)

// Operator commands bypass the manager gate: whoever holds the database and
// the signing secret already controls the ledger.

func init() {
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(tokenCmd)
	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userRoleCmd)
	userCmd.AddCommand(userListCmd)

	userAddCmd.Flags().String("id", "", "user id (default: random uuid)")
	userAddCmd.Flags().String("name", "", "display name")
	userAddCmd.Flags().String("email", "", "email address")
	userAddCmd.Flags().String("role", string(toil.RoleUser), "user or manager")
	_ = userAddCmd.MarkFlagRequired("name")

	tokenCmd.Flags().Duration("ttl", 0, "token lifetime (default: auth.token_ttl)")
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create or update a user",
	Args:  cobra.NoArgs,
	RunE:  runUserAdd,
}

var userRoleCmd = &cobra.Command{
	Use:   "role USER_ID|EMAIL ROLE",
	Short: "Set a user's role",
	Args:  cobra.ExactArgs(2),
	RunE:  runUserRole,
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	Args:  cobra.NoArgs,
	RunE:  runUserList,
}

var tokenCmd = &cobra.Command{
	Use:   "token USER_ID",
	Short: "Print a bearer token for a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func runUserAdd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	id, _ := cmd.Flags().GetString("id")
	name, _ := cmd.Flags().GetString("name")
	email, _ := cmd.Flags().GetString("email")
	roleText, _ := cmd.Flags().GetString("role")

	role, err := toil.ParseRole(roleText)
	if err != nil {
		return err
	}
	if id == "" {
		id = uuid.NewString()
	}

	u := toil.User{ID: id, Name: name, Email: email, Role: role}
	if err := store.SaveUser(cmd.Context(), u); err != nil {
		return err
	}
	log.WithFields(log.Fields{"user_id": id, "role": role}).Info("Saved user")
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func runUserRole(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	role, err := toil.ParseRole(args[1])
	if err != nil {
		return err
	}
	id, err := resolveUserID(cmd.Context(), store, args[0])
	if err != nil {
		return err
	}

	u, err := store.SetUserRole(cmd.Context(), id, role)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"user_id": u.ID, "role": u.Role}).Info("Role updated")
	return nil
}

// resolveUserID accepts an id or an email address.
func resolveUserID(ctx context.Context, users toil.UserStore, ref string) (string, error) {
	if _, err := users.GetUser(ctx, ref); err == nil {
		return ref, nil
	} else if !toil.IsNotFound(err) {
		return "", err
	}
	u, err := users.GetUserByEmail(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("user %q: %w", ref, err)
	}
	return u.ID, nil
}

func runUserList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	users, err := store.ListUsers(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tEMAIL\tROLE")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.ID, u.Name, u.Email, u.Role)
	}
	return w.Flush()
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.GetUser(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("user %q: %w", args[0], err)
	}

	issuer, err := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}
	token, err := issuer.IssueWithTTL(args[0], ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
