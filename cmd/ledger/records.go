package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/db"
	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/record"
	ledgersync "github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/sync"
	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ui"
)

const dateLayout = "2006-01-02"

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDate accepts an ISO date or a phrase like "yesterday" or
// "last friday", relative to now. An empty string is now.
func parseDate(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return now, nil
	}
	if t, err := time.ParseInLocation(dateLayout, text, now.Location()); err == nil {
		return t, nil
	}
	r, err := dateParser.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD or a phrase like \"yesterday\")", text)
	}
	return r.Time, nil
}

func currencyOrDefault(c string) string {
	if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
		return c
	}
	return cfg.Ledger.Currency
}

func parseAmount(text string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid amount %q", text)
	}
	if !amount.IsPositive() {
		return decimal.Decimal{}, errors.New("amount must be greater than zero")
	}
	return amount, nil
}

// interactive reports whether add commands should prompt.
func interactive(cmd *cobra.Command) bool {
	noInput, _ := cmd.Flags().GetBool("no-input")
	return !noInput && term.IsTerminal(int(os.Stdin.Fd()))
}

// operatorName is the logged-in username, or "" before activation.
func operatorName() string {
	name, err := ledgersync.NewKeyringCredentials(cfg.Keyring.Service).Get(ledgersync.KeyUsername)
	if err != nil {
		return ""
	}
	return name
}

func validateAmount(s string) error {
	_, err := parseAmount(s)
	return err
}

func validateDate(s string) error {
	_, err := parseDate(s, time.Now())
	return err
}

func notEmpty(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}

var donationCmd = &cobra.Command{
	Use:     "donation",
	Aliases: []string{"donations", "d"},
	GroupID: "records",
	Short:   "Record and browse donations",
}

var donationAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Record a donation",
	Long: `Record a donation on this device. It is stored as pending and uploaded
on the next sync.

Without --amount on a terminal, a form asks for each field.

Examples:
  ledger donation add
  ledger donation add --amount 500 --name "Ali Khan" --phone +923001234567 --category zakat
  ledger donation add --amount 120.50 --name Sara --phone +923001234568 --date yesterday`,
	Run: func(cmd *cobra.Command, args []string) {
		amountText, _ := cmd.Flags().GetString("amount")
		currency, _ := cmd.Flags().GetString("currency")
		name, _ := cmd.Flags().GetString("name")
		phone, _ := cmd.Flags().GetString("phone")
		address, _ := cmd.Flags().GetString("address")
		category, _ := cmd.Flags().GetString("category")
		description, _ := cmd.Flags().GetString("description")
		dateText, _ := cmd.Flags().GetString("date")
		bookNo, _ := cmd.Flags().GetString("book")
		serialNo, _ := cmd.Flags().GetString("receipt")
		receiptImage, _ := cmd.Flags().GetString("receipt-image")
		lat, _ := cmd.Flags().GetFloat64("lat")
		lon, _ := cmd.Flags().GetFloat64("lon")

		if amountText == "" && interactive(cmd) {
			options := make([]huh.Option[string], 0, len(record.DonationCategories))
			for _, c := range record.DonationCategories {
				options = append(options, huh.NewOption(string(c), string(c)))
			}
			form := huh.NewForm(
				huh.NewGroup(
					huh.NewInput().Title("Amount").Value(&amountText).Validate(validateAmount),
					huh.NewSelect[string]().Title("Category").Options(options...).Value(&category),
					huh.NewInput().Title("Date").Description("YYYY-MM-DD or e.g. \"yesterday\"; empty is today").
						Value(&dateText).Validate(validateDate),
				),
				huh.NewGroup(
					huh.NewInput().Title("Benefactor name").Value(&name).Validate(notEmpty("name")),
					huh.NewInput().Title("Benefactor phone").Value(&phone).Validate(func(s string) error {
						if !record.ValidPhone(s) {
							return errors.New("enter a valid phone number")
						}
						return nil
					}),
					huh.NewInput().Title("Benefactor address").Value(&address),
					huh.NewText().Title("Description").Value(&description),
				),
				huh.NewGroup(
					huh.NewInput().Title("Receipt book number").Value(&bookNo),
					huh.NewInput().Title("Receipt serial number").Value(&serialNo),
				),
			)
			if err := form.Run(); err != nil {
				fatalf("%v", err)
			}
		}

		amount, err := parseAmount(amountText)
		if err != nil {
			fatalf("%v", err)
		}
		date, err := parseDate(dateText, time.Now())
		if err != nil {
			fatalf("%v", err)
		}

		d := record.NewDonation(amount, currencyOrDefault(currency), strings.TrimSpace(name), strings.TrimSpace(phone),
			record.DonationCategory(category), date)
		d.BenefactorAddress = address
		d.Description = description
		d.BookNo = bookNo
		d.ReceiptSerialNo = serialNo
		d.ReceiptImage = receiptImage
		d.Recipient = operatorName()
		if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon") {
			d.Location = &record.Location{Latitude: lat, Longitude: lon}
		}
		if err := d.ValidateEntry(); err != nil {
			fatalf("%v", err)
		}

		ctx, cancel := signalContext()
		defer cancel()
		store := openStore(ctx)
		defer func() { _ = store.Close() }()

		if err := store.SaveDonation(ctx, d); err != nil {
			fatalf("saving donation: %v", err)
		}
		if structured(os.Stdout, d) {
			return
		}
		fmt.Printf("%s Recorded donation %s: %s %s from %s\n", ui.RenderPass("✓"),
			ui.RenderAccent(d.ID), d.Amount.StringFixed(2), d.Currency, d.BenefactorName)
		fmt.Printf("   %s\n", ui.RenderMuted("pending upload; run 'ledger sync push' or keep the daemon running"))
	},
}

var donationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List donations, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		store := openStore(ctx)
		defer func() { _ = store.Close() }()

		donations, err := store.ListDonations(ctx, listOptions(cmd))
		if err != nil {
			fatalf("listing donations: %v", err)
		}
		if structured(os.Stdout, donations) {
			return
		}
		if len(donations) == 0 {
			fmt.Println("No donations found.")
			return
		}
		rows := make([][]string, 0, len(donations))
		for _, d := range donations {
			rows = append(rows, []string{
				shortID(d.ID), d.Date.Format(dateLayout), d.Amount.StringFixed(2) + " " + d.Currency,
				d.BenefactorName, string(d.Category), renderStatus(d.SyncStatus),
			})
		}
		ui.Table(os.Stdout, []string{"ID", "DATE", "AMOUNT", "BENEFACTOR", "CATEGORY", "STATUS"}, rows)
	},
}

var donationShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one donation",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		store := openStore(ctx)
		defer func() { _ = store.Close() }()

		d, found, err := store.GetDonation(ctx, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if !found {
			fatalf("donation %s not found", args[0])
		}
		if structured(os.Stdout, d) {
			return
		}
		fields := [][2]string{
			{"ID", d.ID},
			{"Amount", d.Amount.String() + " " + d.Currency},
			{"Category", string(d.Category)},
			{"Date", d.Date.Format(dateLayout)},
			{"Benefactor", d.BenefactorName},
			{"Phone", d.BenefactorPhone},
			{"Address", d.BenefactorAddress},
			{"Recipient", d.Recipient},
			{"Description", d.Description},
			{"Receipt", strings.Trim(d.BookNo+"/"+d.ReceiptSerialNo, "/")},
			{"Receipt image", d.ReceiptImage},
		}
		if d.Location != nil {
			fields = append(fields, [2]string{"Location", fmt.Sprintf("%.5f, %.5f", d.Location.Latitude, d.Location.Longitude)})
		}
		fields = append(fields,
			[2]string{"Status", renderStatus(d.SyncStatus)},
			[2]string{"Created", d.CreatedAt.Local().Format(time.DateTime)},
			[2]string{"Updated", d.UpdatedAt.Local().Format(time.DateTime)},
		)
		printFields(fields)
	},
}

var expenseCmd = &cobra.Command{
	Use:     "expense",
	Aliases: []string{"expenses", "e"},
	GroupID: "records",
	Short:   "Record and browse expenses",
}

var expenseAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Record an expense",
	Long: `Record an expense on this device. It is stored as pending and uploaded
on the next sync. Personal expenses always have the payee "personal".

Examples:
  ledger expense add
  ledger expense add --amount 2400 --payee "K-Electric" --category utilities
  ledger expense add --amount 350 --personal --category meals --date "last friday"`,
	Run: func(cmd *cobra.Command, args []string) {
		amountText, _ := cmd.Flags().GetString("amount")
		currency, _ := cmd.Flags().GetString("currency")
		payee, _ := cmd.Flags().GetString("payee")
		category, _ := cmd.Flags().GetString("category")
		description, _ := cmd.Flags().GetString("description")
		dateText, _ := cmd.Flags().GetString("date")
		personal, _ := cmd.Flags().GetBool("personal")

		if amountText == "" && interactive(cmd) {
			options := make([]huh.Option[string], 0, len(record.ExpenseCategories))
			for _, c := range record.ExpenseCategories {
				options = append(options, huh.NewOption(strings.ReplaceAll(string(c), "_", " "), string(c)))
			}
			form := huh.NewForm(
				huh.NewGroup(
					huh.NewInput().Title("Amount").Value(&amountText).Validate(validateAmount),
					huh.NewSelect[string]().Title("Category").Options(options...).Value(&category),
					huh.NewInput().Title("Date").Description("YYYY-MM-DD or e.g. \"yesterday\"; empty is today").
						Value(&dateText).Validate(validateDate),
					huh.NewConfirm().Title("Personal expense?").Value(&personal),
				),
				huh.NewGroup(
					huh.NewInput().Title("Payee").Value(&payee).Validate(notEmpty("payee")),
				).WithHideFunc(func() bool { return personal }),
				huh.NewGroup(
					huh.NewText().Title("Description").Value(&description),
				),
			)
			if err := form.Run(); err != nil {
				fatalf("%v", err)
			}
		}

		amount, err := parseAmount(amountText)
		if err != nil {
			fatalf("%v", err)
		}
		date, err := parseDate(dateText, time.Now())
		if err != nil {
			fatalf("%v", err)
		}

		if personal {
			payee = ""
		}
		e := record.NewExpense(amount, currencyOrDefault(currency), strings.TrimSpace(payee), record.ExpenseCategory(category), personal, date)
		e.Description = description
		if err := e.Validate(); err != nil {
			fatalf("%v", err)
		}

		ctx, cancel := signalContext()
		defer cancel()
		store := openStore(ctx)
		defer func() { _ = store.Close() }()

		if err := store.SaveExpense(ctx, e); err != nil {
			fatalf("saving expense: %v", err)
		}
		if structured(os.Stdout, e) {
			return
		}
		fmt.Printf("%s Recorded expense %s: %s %s to %s\n", ui.RenderPass("✓"),
			ui.RenderAccent(e.ID), e.Amount.StringFixed(2), e.Currency, e.Payee)
	},
}

var expenseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List expenses, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		store := openStore(ctx)
		defer func() { _ = store.Close() }()

		expenses, err := store.ListExpenses(ctx, listOptions(cmd))
		if err != nil {
			fatalf("listing expenses: %v", err)
		}
		if structured(os.Stdout, expenses) {
			return
		}
		if len(expenses) == 0 {
			fmt.Println("No expenses found.")
			return
		}
		rows := make([][]string, 0, len(expenses))
		for _, e := range expenses {
			rows = append(rows, []string{
				shortID(e.ID), e.Date.Format(dateLayout), e.Amount.StringFixed(2) + " " + e.Currency,
				e.Payee, string(e.Category), renderStatus(e.SyncStatus),
			})
		}
		ui.Table(os.Stdout, []string{"ID", "DATE", "AMOUNT", "PAYEE", "CATEGORY", "STATUS"}, rows)
	},
}

var expenseShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one expense",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		store := openStore(ctx)
		defer func() { _ = store.Close() }()

		e, found, err := store.GetExpense(ctx, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if !found {
			fatalf("expense %s not found", args[0])
		}
		if structured(os.Stdout, e) {
			return
		}
		printFields([][2]string{
			{"ID", e.ID},
			{"Amount", e.Amount.String() + " " + e.Currency},
			{"Category", string(e.Category)},
			{"Date", e.Date.Format(dateLayout)},
			{"Payee", e.Payee},
			{"Personal", fmt.Sprint(e.IsPersonal)},
			{"Description", e.Description},
			{"Status", renderStatus(e.SyncStatus)},
			{"Created", e.CreatedAt.Local().Format(time.DateTime)},
			{"Updated", e.UpdatedAt.Local().Format(time.DateTime)},
		})
	},
}

func listOptions(cmd *cobra.Command) db.ListOptions {
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	search, _ := cmd.Flags().GetString("search")
	return db.ListOptions{Limit: limit, Offset: offset, Search: search}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func renderStatus(s record.SyncStatus) string {
	switch s {
	case record.StatusSynced:
		return ui.RenderPass(string(s))
	case record.StatusFailed:
		return ui.RenderFail(string(s))
	default:
		return ui.RenderWarn(string(s))
	}
}

// printFields prints label/value pairs, skipping empty values.
func printFields(fields [][2]string) {
	width := 0
	for _, f := range fields {
		width = max(width, len(f[0]))
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		fmt.Printf("%-*s  %s\n", width+1, f[0]+":", f[1])
	}
}

// withStore runs fn against an opened store and closes it afterwards.
func withStore(fn func(ctx context.Context, store *db.Store)) {
	ctx, cancel := signalContext()
	defer cancel()
	store := openStore(ctx)
	defer func() { _ = store.Close() }()
	fn(ctx, store)
}

func init() {
	for _, c := range []*cobra.Command{donationAddCmd, expenseAddCmd} {
		c.Flags().String("amount", "", "amount (decimal)")
		c.Flags().String("currency", "", "currency code (default from config)")
		c.Flags().String("description", "", "free-text description")
		c.Flags().String("date", "", "date: YYYY-MM-DD or a phrase like \"yesterday\" (default today)")
		c.Flags().Bool("no-input", false, "never prompt, even on a terminal")
	}
	donationAddCmd.Flags().String("name", "", "benefactor name")
	donationAddCmd.Flags().String("phone", "", "benefactor phone")
	donationAddCmd.Flags().String("address", "", "benefactor address")
	donationAddCmd.Flags().String("category", string(record.DonationCharity), "category: charity, zakat, sadaqah, other")
	donationAddCmd.Flags().String("book", "", "receipt book number")
	donationAddCmd.Flags().String("receipt", "", "receipt serial number")
	donationAddCmd.Flags().String("receipt-image", "", "path of a receipt photo (kept on this device)")
	donationAddCmd.Flags().Float64("lat", 0, "latitude where the donation was collected")
	donationAddCmd.Flags().Float64("lon", 0, "longitude where the donation was collected")

	expenseAddCmd.Flags().String("payee", "", "who was paid")
	expenseAddCmd.Flags().String("category", string(record.ExpenseOther), "category, e.g. utilities, rent, meals")
	expenseAddCmd.Flags().Bool("personal", false, "paid personally by the operator")

	for _, c := range []*cobra.Command{donationListCmd, expenseListCmd} {
		c.Flags().IntP("limit", "n", 50, "maximum rows (0 for all)")
		c.Flags().Int("offset", 0, "rows to skip")
		c.Flags().StringP("search", "s", "", "filter by name, payee or description")
	}

	donationCmd.AddCommand(donationAddCmd, donationListCmd, donationShowCmd)
	expenseCmd.AddCommand(expenseAddCmd, expenseListCmd, expenseShowCmd)
	rootCmd.AddCommand(donationCmd, expenseCmd)
}
