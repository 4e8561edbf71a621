// Package devseed loads development accounts and reports into the in-memory
// stores so the API is usable without PostgreSQL.
package devseed

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"wastelink.org/internal/auth"
	"wastelink.org/internal/task"
)

// File is the YAML layout of a seed file.
type File struct {
	Accounts []Account `yaml:"accounts"`
	Reports  []Report  `yaml:"reports"`
}

// Account is one principal with a plaintext password.
type Account struct {
	ID        string   `yaml:"id"`
	Email     string   `yaml:"email"`
	Name      string   `yaml:"name"`
	Role      string   `yaml:"role"`
	Password  string   `yaml:"password"`
	Inactive  bool     `yaml:"inactive"`
	Latitude  *float64 `yaml:"latitude"`
	Longitude *float64 `yaml:"longitude"`
}

// Report is a pending report owned by the account with email Owner.
type Report struct {
	ID    string `yaml:"id"`
	Owner string `yaml:"owner"`
}

// AccountWriter stores seeded accounts.
type AccountWriter interface {
	PutAccount(acc auth.Account) auth.Principal
}

// ReportWriter stores seeded reports.
type ReportWriter interface {
	PutReport(r task.Report)
}

// Result counts what Apply wrote.
type Result struct {
	Accounts int
	Reports  int
}

// Load reads and parses path.
func Load(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read seed: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return File{}, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return f, nil
}

// Apply validates every entry before writing any of them.
func Apply(f File, accounts AccountWriter, reports ReportWriter) (Result, error) {
	prepared := make([]auth.Account, 0, len(f.Accounts))
	seen := make(map[string]bool, len(f.Accounts))
	var errs []error
	for i, a := range f.Accounts {
		acc, err := prepare(a)
		if err != nil {
			errs = append(errs, fmt.Errorf("account %d: %w", i, err))
			continue
		}
		if seen[acc.Email] {
			errs = append(errs, fmt.Errorf("account %d: duplicate email %s", i, acc.Email))
			continue
		}
		seen[acc.Email] = true
		prepared = append(prepared, acc)
	}
	for i, r := range f.Reports {
		if strings.TrimSpace(r.ID) == "" {
			errs = append(errs, fmt.Errorf("report %d: id is required", i))
		}
		if !seen[normalizeEmail(r.Owner)] {
			errs = append(errs, fmt.Errorf("report %d: owner %q is not a seeded account", i, r.Owner))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return Result{}, err
	}

	owners := make(map[string]string, len(prepared))
	for _, acc := range prepared {
		p := accounts.PutAccount(acc)
		owners[p.Email] = p.ID
	}
	for _, r := range f.Reports {
		reports.PutReport(task.Report{
			ID:      strings.TrimSpace(r.ID),
			OwnerID: owners[normalizeEmail(r.Owner)],
			Status:  task.ReportPending,
		})
	}
	return Result{Accounts: len(prepared), Reports: len(f.Reports)}, nil
}

func prepare(a Account) (auth.Account, error) {
	email := normalizeEmail(a.Email)
	if email == "" {
		return auth.Account{}, errors.New("email is required")
	}
	role, ok := auth.ParseRole(a.Role)
	if !ok {
		return auth.Account{}, fmt.Errorf("unknown role %q", a.Role)
	}
	hash, err := auth.HashPassword(a.Password)
	if err != nil {
		return auth.Account{}, err
	}
	acc := auth.Account{
		Principal: auth.Principal{
			ID:     strings.TrimSpace(a.ID),
			Email:  email,
			Name:   strings.TrimSpace(a.Name),
			Role:   role,
			Active: !a.Inactive,
		},
		PasswordHash: hash,
	}
	if (a.Latitude == nil) != (a.Longitude == nil) {
		return auth.Account{}, errors.New("latitude and longitude go together")
	}
	if a.Latitude != nil {
		loc := auth.Coordinates{Latitude: *a.Latitude, Longitude: *a.Longitude}
		if !loc.Valid() {
			return auth.Account{}, errors.New("coordinates out of range")
		}
		acc.Location = &loc
	}
	return acc, nil
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
