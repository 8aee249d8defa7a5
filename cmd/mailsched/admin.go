package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mailsched/internal/campaign"
	"mailsched/internal/domain"
	"mailsched/internal/policy"
	"mailsched/internal/storage"
)

var (
	actorID        int64
	actorSuperuser bool
	actorPerms     []string
)

func addAdminCommands(root *cobra.Command) {
	for _, c := range []*cobra.Command{clientCmd, messageCmd, recurrenceCmd, campaignCmd, statsCmd} {
		c.PersistentFlags().Int64Var(&actorID, "as", 0, "acting user id (0 is anonymous)")
		c.PersistentFlags().BoolVar(&actorSuperuser, "superuser", false, "act as a superuser")
		c.PersistentFlags().StringSliceVar(&actorPerms, "perm", nil, "granted permissions (view_all_campaigns, change_status)")
		root.AddCommand(c)
	}

	clientAddCmd.Flags().String("email", "", "client email (required)")
	clientAddCmd.Flags().String("last-name", "", "")
	clientAddCmd.Flags().String("first-name", "", "")
	clientAddCmd.Flags().String("middle-name", "", "")
	clientAddCmd.Flags().String("comment", "", "")
	_ = clientAddCmd.MarkFlagRequired("email")
	clientCmd.AddCommand(clientAddCmd)

	messageAddCmd.Flags().String("title", "", "message title, at most 50 characters (required)")
	messageAddCmd.Flags().String("body", "", "message body")
	_ = messageAddCmd.MarkFlagRequired("title")
	messageCmd.AddCommand(messageAddCmd)

	recurrenceAddCmd.Flags().String("name", "", "recurrence name (required)")
	recurrenceAddCmd.Flags().Int("days", 0, "days until the next mailing (required, > 0)")
	_ = recurrenceAddCmd.MarkFlagRequired("name")
	_ = recurrenceAddCmd.MarkFlagRequired("days")
	recurrenceCmd.AddCommand(recurrenceAddCmd)

	campaignAddCmd.Flags().Int64("message", 0, "message id (required)")
	campaignAddCmd.Flags().Int64("recurrence", 0, "recurrence id (required)")
	campaignAddCmd.Flags().String("first-sent-at", "", "first send time, RFC3339 or \"2006-01-02 15:04\" in local time")
	campaignAddCmd.Flags().Int64Slice("client", nil, "recipient client ids")
	_ = campaignAddCmd.MarkFlagRequired("message")
	_ = campaignAddCmd.MarkFlagRequired("recurrence")
	campaignListCmd.Flags().String("status", "", "filter by status (new, launched, finished)")
	campaignListCmd.Flags().Int("limit", 0, "rows to show (0 means all)")
	campaignAttemptsCmd.Flags().Int("limit", 20, "rows to show")
	campaignRecipientsCmd.Flags().Int64Slice("client", nil, "recipient client ids")
	campaignCmd.AddCommand(campaignAddCmd, campaignFinishCmd, campaignListCmd, campaignAttemptsCmd, campaignRecipientsCmd)
}

func currentActor() policy.Actor {
	a := policy.Actor{ID: actorID, Superuser: actorSuperuser}
	for _, p := range actorPerms {
		a.Perms = append(a.Perms, policy.Permission(strings.TrimSpace(p)))
	}
	return a
}

// withCampaigns opens the app for one administrative call.
func withCampaigns(cmd *cobra.Command, fn func(svc *campaign.Service) error) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a.Campaigns())
}

func printCreated(kind string, id int64) error {
	if outputFmt != "table" {
		return formatOutput(map[string]any{"kind": kind, "id": id})
	}
	fmt.Printf("%s %d created\n", kind, id)
	return nil
}

var clientCmd = &cobra.Command{Use: "client", Short: "Manage mail recipients"}

var clientAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a client",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		var c domain.Client
		c.Email, _ = f.GetString("email")
		c.LastName, _ = f.GetString("last-name")
		c.FirstName, _ = f.GetString("first-name")
		c.MiddleName, _ = f.GetString("middle-name")
		c.Comment, _ = f.GetString("comment")
		return withCampaigns(cmd, func(svc *campaign.Service) error {
			id, err := svc.CreateClient(cmd.Context(), currentActor(), c)
			if err != nil {
				return err
			}
			return printCreated("client", id)
		})
	},
}

var messageCmd = &cobra.Command{Use: "message", Short: "Manage campaign content"}

var messageAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a message",
	RunE: func(cmd *cobra.Command, args []string) error {
		var m domain.Message
		m.Title, _ = cmd.Flags().GetString("title")
		m.Body, _ = cmd.Flags().GetString("body")
		return withCampaigns(cmd, func(svc *campaign.Service) error {
			id, err := svc.CreateMessage(cmd.Context(), currentActor(), m)
			if err != nil {
				return err
			}
			return printCreated("message", id)
		})
	},
}

var recurrenceCmd = &cobra.Command{Use: "recurrence", Short: "Manage mailing intervals"}

var recurrenceAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a recurrence",
	RunE: func(cmd *cobra.Command, args []string) error {
		var r domain.Recurrence
		r.Name, _ = cmd.Flags().GetString("name")
		r.DaysUntilNext, _ = cmd.Flags().GetInt("days")
		return withCampaigns(cmd, func(svc *campaign.Service) error {
			id, err := svc.CreateRecurrence(cmd.Context(), currentActor(), r)
			if err != nil {
				return err
			}
			return printCreated("recurrence", id)
		})
	},
}

var campaignCmd = &cobra.Command{Use: "campaign", Short: "Manage campaigns"}

var campaignAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a campaign in status new",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		var in campaign.NewCampaign
		in.MessageID, _ = f.GetInt64("message")
		in.RecurrenceID, _ = f.GetInt64("recurrence")
		in.RecipientIDs, _ = f.GetInt64Slice("client")
		raw, _ := f.GetString("first-sent-at")
		if raw != "" {
			t, err := parseTime(raw)
			if err != nil {
				return err
			}
			in.FirstSentAt = t
		}
		return withCampaigns(cmd, func(svc *campaign.Service) error {
			id, err := svc.CreateCampaign(cmd.Context(), currentActor(), in)
			if err != nil {
				return err
			}
			return printCreated("campaign", id)
		})
	},
}

var campaignFinishCmd = &cobra.Command{
	Use:   "finish <id>",
	Short: "Move a campaign to finished; it is never sent again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withCampaigns(cmd, func(svc *campaign.Service) error {
			if err := svc.FinishCampaign(cmd.Context(), currentActor(), id); err != nil {
				return err
			}
			fmt.Printf("campaign %d finished\n", id)
			return nil
		})
	},
}

var campaignRecipientsCmd = &cobra.Command{
	Use:   "recipients <id>",
	Short: "Replace the recipients of a campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		clients, _ := cmd.Flags().GetInt64Slice("client")
		return withCampaigns(cmd, func(svc *campaign.Service) error {
			if err := svc.SetRecipients(cmd.Context(), currentActor(), id, clients); err != nil {
				return err
			}
			fmt.Printf("campaign %d now has %d recipients\n", id, len(clients))
			return nil
		})
	},
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns visible to the actor",
	RunE: func(cmd *cobra.Command, args []string) error {
		var filter storage.CampaignFilter
		filter.Status, _ = cmd.Flags().GetString("status")
		filter.Limit, _ = cmd.Flags().GetInt("limit")
		return withCampaigns(cmd, func(svc *campaign.Service) error {
			rows, err := svc.ListCampaigns(cmd.Context(), currentActor(), filter)
			if err != nil {
				return err
			}
			if outputFmt != "table" {
				return formatOutput(rows)
			}
			fmt.Printf("%-6s %-9s %-20s %-12s %-10s %s\n", "ID", "STATUS", "FIRST SENT", "EVERY", "RECIPIENTS", "TITLE")
			fmt.Println(strings.Repeat("-", 84))
			for _, c := range rows {
				first := "-"
				if c.Scheduled() {
					first = c.FirstSentAt.Local().Format("2006-01-02 15:04")
				}
				fmt.Printf("%-6d %-9s %-20s %-12s %-10d %s\n",
					c.ID, c.Status, first,
					fmt.Sprintf("%dd", c.Recurrence.DaysUntilNext),
					len(c.Recipients), c.Message.Title)
			}
			fmt.Printf("\nTotal: %d campaigns\n", len(rows))
			return nil
		})
	},
}

var campaignAttemptsCmd = &cobra.Command{
	Use:   "attempts <id>",
	Short: "Show the send history of a campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		return withCampaigns(cmd, func(svc *campaign.Service) error {
			rows, err := svc.ListAttempts(cmd.Context(), currentActor(), id, limit)
			if err != nil {
				return err
			}
			if outputFmt != "table" {
				return formatOutput(rows)
			}
			fmt.Printf("%-20s %-8s %s\n", "WHEN", "RESULT", "ANSWER")
			fmt.Println(strings.Repeat("-", 84))
			for _, at := range rows {
				result := "unknown"
				if at.IsSuccess != nil {
					result = "failed"
					if *at.IsSuccess {
						result = "ok"
					}
				}
				fmt.Printf("%-20s %-8s %s\n", at.LastAttempt.Local().Format("2006-01-02 15:04:05"), result, at.ServerAnswer)
			}
			fmt.Printf("\nTotal: %d attempts\n", len(rows))
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show campaign and client counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCampaigns(cmd, func(svc *campaign.Service) error {
			st, err := svc.Stats(cmd.Context(), currentActor())
			if err != nil {
				return err
			}
			if outputFmt != "table" {
				return formatOutput(st)
			}
			fmt.Printf("campaigns:        %d\n", st.Campaigns)
			fmt.Printf("active campaigns: %d\n", st.ActiveCampaigns)
			fmt.Printf("unique clients:   %d\n", st.UniqueClients)
			return nil
		})
	},
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use RFC3339 or \"2006-01-02 15:04\"", s)
	}
	return t, nil
}

func formatOutput(v any) error {
	switch outputFmt {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unsupported output format %q", outputFmt)
	}
}
