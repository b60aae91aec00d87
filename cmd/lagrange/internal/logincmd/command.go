package logincmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/MuuuShin/lagrange-go/pkg/client"
	"github.com/MuuuShin/lagrange-go/pkg/config"
	"github.com/MuuuShin/lagrange-go/pkg/event"
)

// ConfigLoader defers config loading until a subcommand actually runs.
type ConfigLoader func() (*config.Config, error)

func NewLoginCommand(loadConfig ConfigLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log the client in",
	}
	cmd.AddCommand(
		newQRCommand(loadConfig),
		newPasswordCommand(loadConfig),
	)
	return cmd
}

func newQRCommand(loadConfig ConfigLoader) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Log in by scanning a QR code",
		Args:  cobra.NoArgs,
		RunE: func(cc *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := client.New(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := cc.Context()
			url, _, err := c.FetchQRCode(ctx)
			if err != nil {
				return fmt.Errorf("failed to fetch QR code: %w", err)
			}

			switch mode {
			case "png":
				pngPath := filepath.Join(filepath.Dir(cfg.Keystore), "login-qr.png")
				if err := qrcode.WriteFile(url, qrcode.Medium, 256, pngPath); err != nil {
					return fmt.Errorf("failed to write QR PNG: %w", err)
				}
				fmt.Printf("QR code saved to: %s\n", pngPath)
			default:
				fmt.Println("Scan this QR code with the mobile client:")
				qrterminal.GenerateHalfBlock(url, qrterminal.L, os.Stdout)
			}

			fmt.Println("Waiting for confirmation...")
			if err := c.LoginByQRCode(ctx); err != nil {
				return fmt.Errorf("QR login failed: %w", err)
			}
			fmt.Println("Logged in.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", "terminal", "QR output: terminal or png")
	return cmd
}

func newPasswordCommand(loadConfig ConfigLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Log in with the cached or password credential",
		Args:  cobra.NoArgs,
		RunE: func(cc *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := client.New(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			c.OnEvent(event.KindCaptchaRequired, func(e event.Event) {
				captcha := e.(event.CaptchaRequired)
				go promptCaptcha(c, captcha.URL)
			})

			if err := c.LoginByPassword(cc.Context()); err != nil {
				return fmt.Errorf("password login failed: %w", err)
			}
			fmt.Println("Logged in.")
			return nil
		},
	}
	return cmd
}

// promptCaptcha runs off the login goroutine: the login flow blocks on
// the captcha completion until the user pastes the ticket.
func promptCaptcha(c *client.Client, url string) {
	fmt.Printf("Captcha required. Open this URL and solve it:\n  %s\n", url)
	reader := bufio.NewReader(os.Stdin)

	fmt.Print("Ticket: ")
	ticket, _ := reader.ReadString('\n')
	fmt.Print("Random string: ")
	randStr, _ := reader.ReadString('\n')

	if !c.SubmitCaptcha(strings.TrimSpace(ticket), strings.TrimSpace(randStr)) {
		fmt.Println("No pending captcha challenge.")
	}
}
