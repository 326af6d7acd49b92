package main

import (
	"testing"

	"github.com/malwarebo/reelpipe/config"
	"github.com/malwarebo/reelpipe/providers"
	"github.com/malwarebo/reelpipe/resilience"
	"github.com/malwarebo/reelpipe/webhooks"
)

func TestBuildRouter(t *testing.T) {
	executor := resilience.CreateProviderExecutor(resilience.DefaultProviderExecutorConfig())

	tests := []struct {
		name     string
		xendit   config.XenditConfig
		currency string
		want     string
	}{
		{name: "stripe only", currency: "IDR", want: providers.StripeName},
		{name: "routed currency", xendit: config.XenditConfig{Secret: "xnd", WebhookSecret: "cb", Currencies: []string{"idr", "PHP"}}, currency: "IDR", want: providers.XenditName},
		{name: "unrouted currency falls back", xendit: config.XenditConfig{Secret: "xnd", WebhookSecret: "cb", Currencies: []string{"IDR"}}, currency: "USD", want: providers.StripeName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{
				Stripe: config.StripeConfig{Secret: "sk_test", WebhookSecret: "whsec"},
				Xendit: tt.xendit,
			}
			p, err := buildRouter(cfg, executor).Route(tt.currency)
			if err != nil {
				t.Fatalf("Route() error = %v", err)
			}
			if p.Name() != tt.want {
				t.Errorf("Route(%s) = %s, want %s", tt.currency, p.Name(), tt.want)
			}
		})
	}
}

func TestBuildNotifier(t *testing.T) {
	if n := buildNotifier(&config.Config{}); n != nil {
		t.Errorf("buildNotifier() = %v, want nil without a url", n)
	}

	cfg := &config.Config{Notify: config.NotifyConfig{URL: "https://app.example.com/hooks", Secret: "s", Retries: 2}}
	n, ok := buildNotifier(cfg).(*webhooks.Notifier)
	if !ok {
		t.Fatal("buildNotifier() is not a *webhooks.Notifier")
	}
	if got := len(n.Endpoints()); got != 1 {
		t.Errorf("Endpoints() = %d, want 1", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"worker rejected the job", 10, "worker ..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestTokensCmd_Subcommands(t *testing.T) {
	cmd := tokensCmd()

	for _, name := range []string{"revoke", "reissue"} {
		sub, _, err := cmd.Find([]string{name, "order-1"})
		if err != nil {
			t.Fatalf("Find(%s) error = %v", name, err)
		}
		if sub.Name() != name {
			t.Errorf("Find(%s) = %s", name, sub.Name())
		}
		if err := sub.Args(sub, nil); err == nil {
			t.Errorf("%s without an order id: Args() error = nil", name)
		}
	}
}
