package hardening

import "testing"

func TestValidateProduction(t *testing.T) {
	base := Options{
		Service:                "govd",
		Environment:            "production",
		StrictProdSecurity:     "true",
		AuthMode:               "rs256",
		DatabaseURL:            "postgres://audit",
		DatabaseRequireTLS:     "true",
		RedisAddr:              "redis:6379",
		RedisRequireTLS:        "true",
		CORSAllowedOrigins:     "https://console.example.com",
		TicketKeys:             "k1:AAAA",
		RequireTicket:          true,
		RequiredServiceSecrets: []EnvRequirement{{Name: "JOB_WORKER_HMAC_SECRET", Value: "secret"}},
	}

	t.Run("pass", func(t *testing.T) {
		if err := ValidateProduction(base); err != nil {
			t.Fatalf("expected pass, got %v", err)
		}
	})

	t.Run("non_prod_skip", func(t *testing.T) {
		o := base
		o.Environment = "development"
		o.AuthMode = "off"
		o.DevHarness = true
		o.CORSAllowedOrigins = "*"
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected skip in non-production, got %v", err)
		}
	})

	cases := map[string]func(*Options){
		"auth_off":           func(o *Options) { o.AuthMode = "off" },
		"dev_harness":        func(o *Options) { o.DevHarness = true },
		"db_tls_required":    func(o *Options) { o.DatabaseRequireTLS = "false" },
		"redis_tls_required": func(o *Options) { o.RedisRequireTLS = "false" },
		"redis_insecure":     func(o *Options) { o.RedisTLSInsecure = "true" },
		"ticket_required":    func(o *Options) { o.RequireTicket = false },
		"ticket_keys":        func(o *Options) { o.TicketKeys = " " },
		"cors_wildcard":      func(o *Options) { o.CORSAllowedOrigins = "*" },
		"cors_https":         func(o *Options) { o.CORSAllowedOrigins = "http://console.example.com" },
		"cors_localhost":     func(o *Options) { o.CORSAllowedOrigins = "https://localhost:3000" },
		"cors_missing":       func(o *Options) { o.CORSAllowedOrigins = " , " },
		"required_secret":    func(o *Options) { o.RequiredServiceSecrets[0].Value = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			o := base
			o.RequiredServiceSecrets = append([]EnvRequirement(nil), base.RequiredServiceSecrets...)
			mutate(&o)
			if err := ValidateProduction(o); err == nil {
				t.Fatalf("expected %s to fail", name)
			}
		})
	}

	t.Run("database_optional", func(t *testing.T) {
		o := base
		o.DatabaseURL = ""
		o.DatabaseRequireTLS = ""
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("no database configured, got %v", err)
		}
	})

	t.Run("strict_can_be_disabled", func(t *testing.T) {
		o := base
		o.StrictProdSecurity = "false"
		o.DatabaseRequireTLS = "false"
		o.CORSAllowedOrigins = "*"
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected strict disable skip, got %v", err)
		}
		o.AuthMode = "off"
		if err := ValidateProduction(o); err == nil {
			t.Fatal("auth off must fail even without strict mode")
		}
	})
}

func TestIsProductionLike(t *testing.T) {
	for env, want := range map[string]bool{
		"prod": true, " Production ": true, "staging": true, "stage": true,
		"dev": false, "": false, "test": false,
	} {
		if got := IsProductionLike(env); got != want {
			t.Fatalf("IsProductionLike(%q)=%v want %v", env, got, want)
		}
	}
}
