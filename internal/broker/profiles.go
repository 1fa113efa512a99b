package broker

import (
	"fmt"
	"sort"
	"time"
)

// Profile fixes the wire defaults for one brokerage gateway. All
// supported gateways speak the same JSON contract; profiles differ only
// in URL paths, the signing algorithm and local defaults, so a new
// brokerage is one table entry rather than a new adapter.
//
// CancelPath carries an {order_id} placeholder that is substituted per
// request.
type Profile struct {
	Name string

	// DefaultBaseURL is used when broker_api_url is not configured.
	// Gateways are local bridge processes, so defaults point at
	// loopback ports.
	DefaultBaseURL      string
	SignAlgo            string // "sha256" or "sha512"
	DefaultPollInterval time.Duration

	PingPath      string
	LoginPath     string
	LogoutPath    string
	OrderPath     string
	CancelPath    string
	AccountPath   string
	PositionsPath string
	OrdersPath    string
	TradesPath    string
}

func standardPaths(p Profile) Profile {
	p.PingPath = "/api/v1/ping"
	p.LoginPath = "/api/v1/login"
	p.LogoutPath = "/api/v1/logout"
	p.OrderPath = "/api/v1/order"
	p.CancelPath = "/api/v1/orders/{order_id}/cancel"
	p.AccountPath = "/api/v1/account"
	p.PositionsPath = "/api/v1/positions"
	p.OrdersPath = "/api/v1/orders"
	p.TradesPath = "/api/v1/trades"
	return p
}

var profiles = map[string]Profile{
	"huatai": standardPaths(Profile{
		Name:                "huatai",
		DefaultBaseURL:      "https://127.0.0.1:18011",
		SignAlgo:            "sha256",
		DefaultPollInterval: 3 * time.Second,
	}),
	"zhongxin": standardPaths(Profile{
		Name:                "zhongxin",
		DefaultBaseURL:      "https://127.0.0.1:18012",
		SignAlgo:            "sha256",
		DefaultPollInterval: 3 * time.Second,
	}),
	// guotaijunan runs an older gateway build: flat /api paths, SHA-512
	// signatures, slower sync.
	"guotaijunan": {
		Name:                "guotaijunan",
		DefaultBaseURL:      "https://127.0.0.1:18013",
		SignAlgo:            "sha512",
		DefaultPollInterval: 5 * time.Second,
		PingPath:            "/api/ping",
		LoginPath:           "/api/auth/login",
		LogoutPath:          "/api/auth/logout",
		OrderPath:           "/api/order",
		CancelPath:          "/api/order/{order_id}/cancel",
		AccountPath:         "/api/account",
		PositionsPath:       "/api/positions",
		OrdersPath:          "/api/orders",
		TradesPath:          "/api/trades",
	},
	"haitong": standardPaths(Profile{
		Name:                "haitong",
		DefaultBaseURL:      "https://127.0.0.1:18014",
		SignAlgo:            "sha256",
		DefaultPollInterval: 3 * time.Second,
	}),
	"guangfa": standardPaths(Profile{
		Name:                "guangfa",
		DefaultBaseURL:      "https://127.0.0.1:18015",
		SignAlgo:            "sha256",
		DefaultPollInterval: 3 * time.Second,
	}),
}

// ProfileFor returns the wire profile for a broker_type.
func ProfileFor(brokerType string) (Profile, error) {
	p, ok := profiles[brokerType]
	if !ok {
		return Profile{}, fmt.Errorf("broker: unknown gateway profile %q (supported: %s)",
			brokerType, profileNames())
	}
	return p, nil
}

func profileNames() string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}
