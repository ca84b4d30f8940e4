package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"concord/internal/domain"
	"concord/internal/engine"
)

func discussionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "discussion", Short: "Discussion threads"}
	cmd.AddCommand(discussionCreateCmd())
	cmd.AddCommand(discussionListCmd())
	cmd.AddCommand(discussionShowCmd())
	cmd.AddCommand(discussionReplyCmd())
	cmd.AddCommand(discussionStateCmd())
	return cmd
}

func discussionCreateCmd() *cobra.Command {
	var opts engine.CreateDiscussionOptions
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start a discussion",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readContent(cmd, opts.Body, file)
			if err != nil {
				return err
			}
			opts.Body = body
			opts.AuthorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDiscussion(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrLine(cmd.OutOrStdout(), d, fmt.Sprintf("Started discussion %s", d.ID))
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Body, "body", "", "opening post")
	cmd.Flags().StringVar(&file, "file", "", "read the body from a file (- for stdin)")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().BoolVar(&opts.IsAnonymous, "anonymous", false, "hide the author in listings")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func discussionListCmd() *cobra.Command {
	var state string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List discussions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListDiscussions(ctx, limit, strings.ToUpper(state))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), items)
				}
				tw := newTable(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Title", "State", "Tags", "Replies", "Created"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Title, statusColor(d.State), strings.Join(d.Tags, ","), d.ReplyCount, d.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().IntVar(&limit, "limit", 30, "maximum rows")
	return cmd
}

func discussionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a discussion with its replies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.GetDiscussion(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), detail)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s  %s  [%s]\n%s\n", detail.ID, detail.Title, statusColor(detail.State), detail.Body)
				tw := newTable(out)
				tw.AppendHeader(table.Row{"Reply", "Author", "Parent", "Body", "Created"})
				for _, rp := range detail.Replies {
					parent := ""
					if rp.ParentReplyID != nil {
						parent = *rp.ParentReplyID
					}
					author := rp.AuthorID
					if rp.IsAnonymous {
						author = "anonymous"
					}
					tw.AppendRow(table.Row{rp.ID, author, parent, rp.Body, rp.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func discussionReplyCmd() *cobra.Command {
	var opts engine.ReplyOptions
	cmd := &cobra.Command{
		Use:   "reply <id>",
		Short: "Reply to an open discussion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.DiscussionID = args[0]
			opts.AuthorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rp, err := e.ReplyToDiscussion(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrLine(cmd.OutOrStdout(), rp, fmt.Sprintf("Replied %s", rp.ID))
			})
		},
	}
	cmd.Flags().StringVar(&opts.Body, "body", "", "reply text")
	cmd.Flags().StringVar(&opts.ParentReplyID, "parent", "", "reply being answered")
	cmd.Flags().BoolVar(&opts.IsAnonymous, "anonymous", false, "hide the author in listings")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func discussionStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <id> <OPEN|LOCKED|CLOSED>",
		Short: "Lock, close or reopen a discussion",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.SetDiscussionState(ctx, engine.SetDiscussionStateOptions{
					DiscussionID: args[0],
					State:        strings.ToUpper(args[1]),
					ChangedByID:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrLine(cmd.OutOrStdout(), d, fmt.Sprintf("Discussion %s is %s", d.ID, statusColor(d.State)))
			})
		},
	}
}

func charterCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "charter", Short: "Community charter"}
	cmd.AddCommand(charterShowCmd())
	cmd.AddCommand(charterPublishCmd())
	cmd.AddCommand(charterHistoryCmd())
	return cmd
}

func charterShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [version]",
		Short: "Print the latest or a given charter version",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var c domain.CharterVersion
				var err error
				if len(args) == 1 {
					n, convErr := strconv.Atoi(args[0])
					if convErr != nil {
						return fmt.Errorf("version must be a number: %w", convErr)
					}
					c, err = e.CharterVersion(ctx, n)
				} else {
					c, err = e.Charter(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), c)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "v%d  %s  (published by %s at %s)\n\n%s\n", c.VersionNo, c.Title, c.PublishedByID, c.PublishedAt, c.Content)
				return nil
			})
		},
	}
}

func charterPublishCmd() *cobra.Command {
	var opts engine.PublishCharterOptions
	var file string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish the next charter version",
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(cmd, opts.Content, file)
			if err != nil {
				return err
			}
			opts.Content = content
			opts.PublishedByID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.PublishCharter(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrLine(cmd.OutOrStdout(), c, fmt.Sprintf("Published charter version %d", c.VersionNo))
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Content, "content", "", "charter text")
	cmd.Flags().StringVar(&file, "file", "", "read the text from a file (- for stdin)")
	cmd.Flags().StringVar(&opts.ChangeNote, "note", "", "change note")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func charterHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List charter versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.CharterHistory(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), items)
				}
				tw := newTable(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"Version", "Title", "Publisher", "Note", "Published"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.VersionNo, c.Title, c.PublishedByID, c.ChangeNote, c.PublishedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}
