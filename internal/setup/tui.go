// Package setup is the interactive wizard that writes a vault config file.
package setup

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/flashvault/config"
	"github.com/vadiminshakov/flashvault/internal/domain"
)

// DefaultFile is where the wizard writes the generated config.
const DefaultFile = "config.gen.yaml"

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// Answers collected by the wizard.
type Answers struct {
	Pair             string
	Oracle           string
	Price            string
	ThresholdFactor  string
	LiquidationBonus string
	SwitchThreshold  string
	PollInterval     string
	FlashFeeBps      string
	WebAddr          string
}

// DefaultAnswers are the values pre-filled in the wizard.
func DefaultAnswers() Answers {
	return Answers{
		Pair:             "ETH_USDC",
		Oracle:           config.OracleStatic,
		Price:            "2000",
		ThresholdFactor:  "0.8",
		LiquidationBonus: "0.05",
		SwitchThreshold:  "0.005",
		PollInterval:     "1m",
		FlashFeeBps:      "9",
		WebAddr:          ":8080",
	}
}

// RunTUI launches the terminal configuration wizard and writes the result to
// path. It returns the path written.
func RunTUI(path string) (string, error) {
	if path == "" {
		path = DefaultFile
	}
	a := DefaultAnswers()
	var confirm bool

	// step 1: welcome
	header()
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Let's set up your vault.\n"))

	fmt.Println(stepStyle.Render("STEP 1: PAIR"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Vault Pair").
				Description("Collateral and debt asset (e.g. ETH_USDC)").
				Value(&a.Pair).
				Validate(func(s string) error {
					_, err := domain.ParsePair(s)
					return err
				}),
		),
	).Run()
	if err != nil {
		return "", err
	}

	header()
	fmt.Println(stepStyle.Render("STEP 2: PRICE ORACLE"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Select Price Source").
				Options(
					huh.NewOption("Static (simulation)", config.OracleStatic),
					huh.NewOption("Binance", config.OracleBinance),
					huh.NewOption("Bybit", config.OracleBybit),
					huh.NewOption("Hyperliquid", config.OracleHyperliquid),
				).
				Value(&a.Oracle),
		),
	).Run()
	if err != nil {
		return "", err
	}

	if a.Oracle == config.OracleStatic {
		header()
		fmt.Println(stepStyle.Render("STEP 2b: STATIC PRICE"))
		err = huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Price").
					Description("Quote units per base unit").
					Value(&a.Price).
					Validate(validatePositive),
			),
		).Run()
		if err != nil {
			return "", err
		}
	}

	header()
	fmt.Println(stepStyle.Render("STEP 3: RISK"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Threshold Factor").
				Description("Share of collateral value that may be borrowed (0-1)").
				Value(&a.ThresholdFactor).
				Validate(validateFraction),
			huh.NewInput().
				Title("Liquidation Bonus").
				Description("Extra collateral paid to liquidators (e.g. 0.05)").
				Value(&a.LiquidationBonus).
				Validate(validateFraction),
			huh.NewInput().
				Title("Switch Threshold").
				Description("APR improvement needed to migrate (e.g. 0.005)").
				Value(&a.SwitchThreshold),
			huh.NewInput().
				Title("Flash Fee (bps)").
				Value(&a.FlashFeeBps),
		),
	).Run()
	if err != nil {
		return "", err
	}

	header()
	fmt.Println(stepStyle.Render("STEP 4: TIMING"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Rebalance Interval").
				Description("Duration string (e.g. 30s, 1m, 5m)").
				Value(&a.PollInterval).
				Validate(func(s string) error {
					_, err := time.ParseDuration(s)
					return err
				}),
			huh.NewInput().
				Title("Monitoring Address").
				Description("Empty disables the web UI").
				Value(&a.WebAddr),
		),
	).Run()
	if err != nil {
		return "", err
	}

	header()
	fmt.Println(stepStyle.Render("FINAL CONFIRMATION"))
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(Summary(a)))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save and start").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return "", err
	}
	if !confirm {
		return "", fmt.Errorf("setup cancelled by user")
	}

	if err := Write(path, a); err != nil {
		return "", err
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s\nStarting vault...", path)))
	time.Sleep(1500 * time.Millisecond) // small pause to read success message
	return path, nil
}

// Summary renders the answers for the confirmation screen.
func Summary(a Answers) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pair: %s\nOracle: %s\n", a.Pair, a.Oracle)
	if a.Oracle == config.OracleStatic {
		fmt.Fprintf(&b, "Price: %s\n", a.Price)
	}
	fmt.Fprintf(&b, "Threshold: %s\nBonus: %s\nSwitch: %s\nInterval: %s\n",
		a.ThresholdFactor, a.LiquidationBonus, a.SwitchThreshold, a.PollInterval)
	return b.String()
}

// Write renders the answers as a YAML config at path.
func Write(path string, a Answers) error {
	poll, err := time.ParseDuration(a.PollInterval)
	if err != nil {
		return fmt.Errorf("invalid interval: %w", err)
	}

	cfgTmp := config.ConfigTmp{
		Pair:             a.Pair,
		ThresholdFactor:  a.ThresholdFactor,
		LiquidationBonus: a.LiquidationBonus,
		SwitchThreshold:  a.SwitchThreshold,
		PollInterval:     poll,
		Oracle:           a.Oracle,
		Providers:        config.DefaultProviders(),
		FlashFeeBps:      a.FlashFeeBps,
		WebAddr:          a.WebAddr,
	}
	if a.Oracle == config.OracleStatic {
		cfgTmp.Price = a.Price
	}

	data, err := config.Marshal([]config.ConfigTmp{cfgTmp})
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}

func header() {
	fmt.Print("\033[H\033[2J") // clear screen
	fmt.Println(headerStyle.Render("FLASHVAULT CONFIG WIZARD"))
}

func validatePositive(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if !d.IsPositive() {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func validateFraction(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if d.IsNegative() || d.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("must be between 0 and 1")
	}
	return nil
}
