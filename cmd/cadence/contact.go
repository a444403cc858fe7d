package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/cadence/internal/api"
)

var (
	contactName   string
	contactTags   []string
	contactTag    string
	contactLimit  int
	contactOffset int
)

var contactCmd = &cobra.Command{
	Use:   "contact",
	Short: "Contact directory commands",
}

var contactAddCmd = &cobra.Command{
	Use:   "add <email>",
	Short: "Add a contact",
	Args:  cobra.ExactArgs(1),
	RunE:  runContactAdd,
}

var contactListCmd = &cobra.Command{
	Use:   "list",
	Short: "List contacts",
	RunE:  runContactList,
}

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "Show the number of contacts per tag",
	RunE:  runTags,
}

func init() {
	contactAddCmd.Flags().StringVar(&contactName, "name", "", "Display name")
	contactAddCmd.Flags().StringSliceVar(&contactTags, "tag", nil, "Initial tag (repeatable)")

	contactListCmd.Flags().StringVar(&contactTag, "tag", "", "Only contacts with this tag")
	contactListCmd.Flags().IntVar(&contactLimit, "limit", 50, "Maximum number of contacts to show")
	contactListCmd.Flags().IntVar(&contactOffset, "offset", 0, "Number of contacts to skip")

	contactCmd.AddCommand(contactAddCmd, contactListCmd)
	rootCmd.AddCommand(contactCmd, tagsCmd)
}

func runContactAdd(cmd *cobra.Command, args []string) error {
	c, err := newClient().CreateContact(context.Background(), &api.CreateContactRequest{
		Email: args[0],
		Name:  contactName,
		Tags:  contactTags,
	})
	if err != nil {
		return fmt.Errorf("failed to add contact: %w", err)
	}

	fmt.Printf("Contact %s added (%s)\n", c.ID, c.Email)
	return nil
}

func runContactList(cmd *cobra.Command, args []string) error {
	resp, err := newClient().ListContacts(context.Background(), contactTag, contactLimit, contactOffset)
	if err != nil {
		return fmt.Errorf("failed to list contacts: %w", err)
	}

	if len(resp.Contacts) == 0 {
		fmt.Println("No contacts found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tOPENS\tCLICKS\tREPLIES\tTAGS")
	for _, c := range resp.Contacts {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n", c.ID, c.Email,
			c.Counters.Opens, c.Counters.Clicks, c.Counters.Replies, strings.Join(c.Tags, ","))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\nShowing %d of %d contacts\n", len(resp.Contacts), resp.Total)
	return nil
}

func runTags(cmd *cobra.Command, args []string) error {
	counts, err := newClient().TagCounts(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get tag counts: %w", err)
	}

	if len(counts) == 0 {
		fmt.Println("No tagged contacts")
		return nil
	}

	tags := make([]string, 0, len(counts))
	for tag := range counts {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TAG\tCONTACTS")
	for _, tag := range tags {
		fmt.Fprintf(w, "%s\t%d\n", tag, counts[tag])
	}
	return w.Flush()
}
