package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmerrifield20/profilesync/internal/auth"
	"github.com/jmerrifield20/profilesync/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

const defaultServerURL = "http://localhost:8080"

var (
	serverURL    string
	apiToken     string
	cfgFile      string
	outputFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "psync",
	Short: "profilesync CLI",
	Long: `psync is the command-line interface for a profilesync server.

It connects network profiles, triggers follower syncs, and inspects the
follow and invite graph, including FollowRank scores.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.psync")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("psync")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = defaultServerURL
		}
		if apiToken == "" {
			apiToken = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.psync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "profilesync server URL (default "+defaultServerURL+")")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "bearer token for the API (or PSYNC_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "Output format: text or json")

	rootCmd.AddCommand(connectCmd, getCmd, findCmd, personCmd, unregisterCmd, deleteCmd, syncCmd)
	rootCmd.AddCommand(followersCmd, uninvitedCmd, followingCmd, followCmd)
	rootCmd.AddCommand(invitersCmd, invitingCmd, inviteCmd)
	rootCmd.AddCommand(tokenCmd, versionCmd)
}

func newClient() (*client.Client, error) {
	var opts []client.Option
	if apiToken != "" {
		opts = append(opts, client.WithBearerToken(apiToken))
	}
	return client.New(serverURL, opts...)
}

// ── profiles ─────────────────────────────────────────────────────────────────

var (
	connNetwork  string
	connUID      string
	connType     string
	connPersonID int64
	connSecure   bool
	connToken    string
	connSecret   string
	connScope    string
	connName     string
	connUsername string
	connEmail    string
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect or update a network profile",
	Long: `connect registers a profile by network and uid, or updates it if it
already exists. When credentials are supplied the server queues a sync.

  psync connect --network twitter --uid 783214 --oauth-token T --oauth-secret S --person 42`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		req := client.ConnectRequest{
			Network:  connNetwork,
			UID:      connUID,
			Type:     connType,
			Secure:   connSecure,
			Token:    connToken,
			Secret:   connSecret,
			Scope:    connScope,
			Name:     connName,
			Username: connUsername,
			Email:    connEmail,
		}
		if connPersonID > 0 {
			req.PersonID = &connPersonID
		}
		p, created, err := c.Connect(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("connect profile: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(cmd.OutOrStdout(), p)
		}
		verb := "updated"
		if created {
			verb = "created"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Profile %s\n\n", verb)
		return printProfile(cmd.OutOrStdout(), p)
	},
}

func init() {
	connectCmd.Flags().StringVar(&connNetwork, "network", "", "Network: facebook, twitter, tumblr or instagram")
	connectCmd.Flags().StringVar(&connUID, "uid", "", "Network user id")
	connectCmd.Flags().StringVar(&connType, "type", "", "Profile type (e.g. page for Facebook pages)")
	connectCmd.Flags().Int64Var(&connPersonID, "person", 0, "Owning person id")
	connectCmd.Flags().BoolVar(&connSecure, "secure", false, "Use the secure application credentials")
	connectCmd.Flags().StringVar(&connToken, "oauth-token", "", "OAuth access token")
	connectCmd.Flags().StringVar(&connSecret, "oauth-secret", "", "OAuth token secret (OAuth1 networks)")
	connectCmd.Flags().StringVar(&connScope, "scope", "", "Comma-separated granted permissions")
	connectCmd.Flags().StringVar(&connName, "name", "", "Display name")
	connectCmd.Flags().StringVar(&connUsername, "username", "", "Network username")
	connectCmd.Flags().StringVar(&connEmail, "email", "", "Email address")

	_ = connectCmd.MarkFlagRequired("network")
	_ = connectCmd.MarkFlagRequired("uid")
}

var getOnboarded bool

var getCmd = &cobra.Command{
	Use:   "get <profile-id>",
	Short: "Show a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		get := c.GetProfile
		if getOnboarded {
			get = c.GetProfileOnboarded
		}
		p, err := get(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get profile: %w", err)
		}
		return output(cmd.OutOrStdout(), p, printProfile)
	},
}

func init() {
	getCmd.Flags().BoolVar(&getOnboarded, "onboarded", false, "Count only followers that have been synced")
}

var findCmd = &cobra.Command{
	Use:   "find <network> <uid>",
	Short: "Look up a profile by network and uid",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		p, err := c.FindProfile(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("find profile: %w", err)
		}
		return output(cmd.OutOrStdout(), p, printProfile)
	},
}

var personCmd = &cobra.Command{
	Use:   "person <person-id>",
	Short: "List the profiles owned by a person",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		personID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid person id %q", args[0])
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ps, err := c.ListPersonProfiles(cmd.Context(), personID)
		if err != nil {
			return fmt.Errorf("list profiles: %w", err)
		}
		return outputList(cmd.OutOrStdout(), ps)
	},
}

var unregisterPerson int64

var unregisterCmd = &cobra.Command{
	Use:   "unregister [profile-id]",
	Short: "Drop credentials and person ownership from a profile or a person",
	Long: `unregister clears a profile's credentials and owner while keeping its
follow edges. With --person it unregisters every profile the person owns.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if unregisterPerson > 0 {
			n, err := c.UnregisterPerson(cmd.Context(), unregisterPerson)
			if err != nil {
				return fmt.Errorf("unregister person: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Unregistered %d profile(s)\n", n)
			return nil
		}
		if len(args) != 1 {
			return errors.New("a profile id or --person is required")
		}
		if err := c.UnregisterProfile(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("unregister profile: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Profile unregistered")
		return nil
	},
}

func init() {
	unregisterCmd.Flags().Int64Var(&unregisterPerson, "person", 0, "Unregister every profile of this person")
}

var deleteCmd = &cobra.Command{
	Use:   "delete <profile-id>",
	Short: "Delete a profile with its follows and invites (admin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.DeleteProfile(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("delete profile: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Profile deleted")
		return nil
	},
}

var syncKind string

var syncCmd = &cobra.Command{
	Use:   "sync <profile-id>",
	Short: "Queue a sync task for a profile",
	Long: `sync queues background work for a connected profile. Kinds:

  sync                 refresh attributes and reconcile followers (default)
  sync_attrs           refresh attributes only
  extend_token_expiry  exchange the access token for a longer-lived one`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		queued, err := c.Enqueue(cmd.Context(), args[0], syncKind)
		if err != nil {
			return fmt.Errorf("queue %s: %w", syncKind, err)
		}
		if queued {
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s queued\n", syncKind)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s already queued or running\n", syncKind)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncKind, "kind", "sync", "Task kind: sync, sync_attrs or extend_token_expiry")
}

// ── follows ──────────────────────────────────────────────────────────────────

var (
	followersByRank    bool
	followersOnboarded bool
	followersIDs       []string
	followersLimit     int
	followersOffset    int
)

var followersCmd = &cobra.Command{
	Use:   "followers <profile-id>",
	Short: "List a profile's followers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ps, err := c.Followers(cmd.Context(), args[0], client.FollowersOptions{
			ByRank:        followersByRank,
			OnboardedOnly: followersOnboarded,
			FollowerIDs:   followersIDs,
			Limit:         followersLimit,
			Offset:        followersOffset,
		})
		if err != nil {
			return fmt.Errorf("list followers: %w", err)
		}
		return outputList(cmd.OutOrStdout(), ps)
	},
}

func init() {
	followersCmd.Flags().BoolVar(&followersByRank, "by-rank", false, "Order by FollowRank, highest first")
	followersCmd.Flags().BoolVar(&followersOnboarded, "onboarded", false, "Only followers that have been synced")
	followersCmd.Flags().StringSliceVar(&followersIDs, "follower", nil, "Restrict to these follower profile ids")
	followersCmd.Flags().IntVar(&followersLimit, "limit", 0, "Maximum number of followers")
	followersCmd.Flags().IntVar(&followersOffset, "offset", 0, "Number of followers to skip")
}

var (
	uninvitedName   string
	uninvitedLimit  int
	uninvitedOffset int
	uninvitedRandom bool
)

var uninvitedCmd = &cobra.Command{
	Use:   "uninvited <profile-id>",
	Short: "List followers the profile has not invited yet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ps, err := c.UninvitedFollowers(cmd.Context(), args[0], client.UninvitedOptions{
			Name:   uninvitedName,
			Limit:  uninvitedLimit,
			Offset: uninvitedOffset,
			Random: uninvitedRandom,
		})
		if err != nil {
			return fmt.Errorf("list uninvited followers: %w", err)
		}
		return outputList(cmd.OutOrStdout(), ps)
	},
}

func init() {
	uninvitedCmd.Flags().StringVar(&uninvitedName, "name", "", "Only followers whose name contains this text")
	uninvitedCmd.Flags().IntVar(&uninvitedLimit, "limit", 0, "Maximum number of followers (server default 10)")
	uninvitedCmd.Flags().IntVar(&uninvitedOffset, "offset", 0, "Number of followers to skip")
	uninvitedCmd.Flags().BoolVar(&uninvitedRandom, "random", false, "Pick a random sample")
}

var followingCmd = &cobra.Command{
	Use:   "following <profile-id>",
	Short: "List the profiles a profile follows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ps, err := c.Following(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("list following: %w", err)
		}
		return outputList(cmd.OutOrStdout(), ps)
	},
}

var followRank bool

var followCmd = &cobra.Command{
	Use:   "follow <get|put|delete> <profile-id> <follower-id>",
	Short: "Inspect or edit a follow edge",
	Long: `follow manages the edge from follower to profile.

  psync follow put --rank <profile-id> <follower-id>   create the edge and compute its FollowRank
  psync follow get <profile-id> <follower-id>          show the edge and its rank breakdown`,
	Args:      cobra.ExactArgs(3),
	ValidArgs: []string{"get", "put", "delete"},
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		id, followerID := args[1], args[2]

		var f *client.Follow
		switch args[0] {
		case "get":
			f, err = c.GetFollow(ctx, id, followerID)
		case "put":
			f, err = c.PutFollow(ctx, id, followerID, followRank)
		case "delete":
			if err := c.DeleteFollow(ctx, id, followerID); err != nil {
				return fmt.Errorf("delete follow: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Follow deleted")
			return nil
		default:
			return fmt.Errorf("unknown follow action %q", args[0])
		}
		if err != nil {
			return fmt.Errorf("%s follow: %w", args[0], err)
		}
		return output(cmd.OutOrStdout(), f, printFollow)
	},
}

func init() {
	followCmd.Flags().BoolVar(&followRank, "rank", false, "Compute FollowRank when creating the edge")
}

// ── invites ──────────────────────────────────────────────────────────────────

var invitersCmd = &cobra.Command{
	Use:   "inviters <profile-id>",
	Short: "List the profiles that invited a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ps, err := c.Inviters(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("list inviters: %w", err)
		}
		return outputList(cmd.OutOrStdout(), ps)
	},
}

var invitingCmd = &cobra.Command{
	Use:   "inviting <profile-id>",
	Short: "List the profiles a profile has invited",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ps, err := c.Inviting(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("list invitees: %w", err)
		}
		return outputList(cmd.OutOrStdout(), ps)
	},
}

var inviteCmd = &cobra.Command{
	Use:       "invite <put|delete> <invitee-id> <inviter-id>",
	Short:     "Record or remove an invitation",
	Args:      cobra.ExactArgs(3),
	ValidArgs: []string{"put", "delete"},
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		switch args[0] {
		case "put":
			inv, err := c.PutInvite(ctx, args[1], args[2])
			if err != nil {
				return fmt.Errorf("put invite: %w", err)
			}
			if outputFormat == "json" {
				return printJSON(cmd.OutOrStdout(), inv)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Invite %s recorded\n", inv.ID)
			return nil
		case "delete":
			if err := c.DeleteInvite(ctx, args[1], args[2]); err != nil {
				return fmt.Errorf("delete invite: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Invite deleted")
			return nil
		}
		return fmt.Errorf("unknown invite action %q", args[0])
	},
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenSecret  string
	tokenIssuer  string
	tokenSubject string
	tokenRole    string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a service token signed with the server's auth secret",
	Long: `token signs a bearer token locally with the same secret the server
verifies against (auth.secret, or PSYNC_AUTH_SECRET).

  export PSYNC_TOKEN=$(psync token --subject importer --role service)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := tokenSecret
		if secret == "" {
			secret = viper.GetString("auth_secret")
		}
		if secret == "" {
			return errors.New("--secret or PSYNC_AUTH_SECRET is required")
		}
		issuer, err := auth.NewIssuer([]byte(secret), tokenIssuer, tokenTTL)
		if err != nil {
			return err
		}
		tok, err := issuer.Issue(tokenSubject, tokenRole)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "HMAC secret, at least 32 bytes")
	tokenCmd.Flags().StringVar(&tokenIssuer, "issuer", "profilesync", "Token issuer; must match the server's auth.issuer")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Caller name recorded in the token")
	tokenCmd.Flags().StringVar(&tokenRole, "role", auth.RoleService, "Role: service or admin")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")

	_ = tokenCmd.MarkFlagRequired("subject")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the psync version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "psync %s\n", version)
	},
}

// ── output ───────────────────────────────────────────────────────────────────

func output[T any](w io.Writer, v *T, text func(io.Writer, *T) error) error {
	if outputFormat == "json" {
		return printJSON(w, v)
	}
	return text(w, v)
}

func outputList(w io.Writer, ps []client.Profile) error {
	if outputFormat == "json" {
		if ps == nil {
			ps = []client.Profile{}
		}
		return printJSON(w, ps)
	}
	return printProfileTable(w, ps)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printProfile(w io.Writer, p *client.Profile) error {
	fmt.Fprintf(w, "ID:        %s\n", p.ID)
	fmt.Fprintf(w, "Network:   %s\n", p.Network)
	fmt.Fprintf(w, "UID:       %s\n", p.UID)
	if p.Type != "" {
		fmt.Fprintf(w, "Type:      %s\n", p.Type)
	}
	if p.PersonID != nil {
		fmt.Fprintf(w, "Person:    %d\n", *p.PersonID)
	}
	if p.Name != "" {
		fmt.Fprintf(w, "Name:      %s\n", p.Name)
	}
	if p.Username != "" {
		fmt.Fprintf(w, "Username:  %s\n", p.Username)
	}
	if p.ConnectionCount > 0 {
		fmt.Fprintf(w, "Followers: %d\n", p.ConnectionCount)
	}
	if p.SyncedAt != nil {
		fmt.Fprintf(w, "Synced:    %s\n", p.SyncedAt.Format(time.RFC3339))
	}
	return nil
}

func printProfileTable(w io.Writer, ps []client.Profile) error {
	if len(ps) == 0 {
		fmt.Fprintln(w, "No profiles.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNETWORK\tUID\tNAME\tPERSON")
	for _, p := range ps {
		person := "-"
		if p.PersonID != nil {
			person = strconv.FormatInt(*p.PersonID, 10)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Network, p.UID, p.Name, person)
	}
	return tw.Flush()
}

func printFollow(w io.Writer, f *client.Follow) error {
	fmt.Fprintf(w, "Profile:  %s\n", f.ProfileID)
	fmt.Fprintf(w, "Follower: %s\n", f.FollowerID)
	if f.Rank == nil {
		fmt.Fprintln(w, "Rank:     unranked")
		return nil
	}
	fmt.Fprintf(w, "Rank:     %g\n", f.RankValue)
	b, err := json.MarshalIndent(f.Rank, "          ", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Params:   %s\n", b)
	return nil
}
