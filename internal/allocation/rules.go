package allocation

import (
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"receipt-intake/internal/matching"
)

// Scope values used in the merchant dictionary.
const (
	ScopeBusiness = "business"
	ScopePersonal = "personal"
)

// RuleBook holds the fixed lookup tables the heuristic engine consults. It can be loaded from a
// rules.yaml file in this format:
//
//	business_categories: [software, office supplies]
//	personal_categories: [groceries, medical]
//	merchants:
//	  aws: business
//	  netflix: personal
//	business_keywords: [client, invoice]
//	personal_keywords: [birthday, family]
type RuleBook struct {
	BusinessCategories []string          `yaml:"business_categories"`
	PersonalCategories []string          `yaml:"personal_categories"`
	Merchants          map[string]string `yaml:"merchants"`
	BusinessKeywords   []string          `yaml:"business_keywords"`
	PersonalKeywords   []string          `yaml:"personal_keywords"`
}

// DefaultRuleBook returns the built-in tables.
func DefaultRuleBook() *RuleBook {
	return &RuleBook{
		BusinessCategories: []string{
			"advertising", "business meals", "equipment", "hosting", "marketing",
			"office supplies", "professional services", "shipping", "software",
			"telecommunications", "travel",
		},
		PersonalCategories: []string{
			"charity", "clothing", "dining", "entertainment", "groceries",
			"home", "medical", "personal care",
		},
		Merchants: map[string]string{
			"aws":          ScopeBusiness,
			"github":       ScopeBusiness,
			"digitalocean": ScopeBusiness,
			"googlecloud":  ScopeBusiness,
			"godaddy":      ScopeBusiness,
			"quickbooks":   ScopeBusiness,
			"xero":         ScopeBusiness,
			"officedepot":  ScopeBusiness,
			"staples":      ScopeBusiness,
			"fedex":        ScopeBusiness,
			"wework":       ScopeBusiness,
			"slack":        ScopeBusiness,
			"atlassian":    ScopeBusiness,
			"netflix":      ScopePersonal,
			"spotify":      ScopePersonal,
			"disneyplus":   ScopePersonal,
			"hulu":         ScopePersonal,
			"wholefoods":   ScopePersonal,
			"traderjoes":   ScopePersonal,
			"safeway":      ScopePersonal,
			"kroger":       ScopePersonal,
			"sephora":      ScopePersonal,
			"petco":        ScopePersonal,
		},
		BusinessKeywords: []string{
			"business", "client", "conference", "consulting", "coworking",
			"domain", "hosting", "invoice", "office", "printer", "saas",
		},
		PersonalKeywords: []string{
			"birthday", "family", "grocery", "groceries", "kids", "personal",
			"pet food", "toy", "vacation",
		},
	}
}

// LoadRuleBook reads a YAML rule book. Categories and keywords are case-insensitive.
func LoadRuleBook(path string) (*RuleBook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read rule book at %s", path)
	}
	rb := &RuleBook{}
	if err := yaml.Unmarshal(data, rb); err != nil {
		return nil, errors.Wrapf(err, "unable to parse rule book at %s", path)
	}
	for merchant, scope := range rb.Merchants {
		if scope != ScopeBusiness && scope != ScopePersonal {
			return nil, errors.Errorf("merchant %q has scope %q, want business or personal", merchant, scope)
		}
	}
	return rb, nil
}

type merchantRule struct {
	key        string
	isBusiness bool
}

// compiled is the lookup-ready form of a RuleBook.
type compiled struct {
	businessCategories map[string]bool
	personalCategories map[string]bool
	merchants          []merchantRule
	businessKeywords   []string
	personalKeywords   []string
}

func compile(rb *RuleBook) compiled {
	c := compiled{
		businessCategories: make(map[string]bool),
		personalCategories: make(map[string]bool),
	}
	for _, cat := range rb.BusinessCategories {
		c.businessCategories[strings.ToLower(strings.TrimSpace(cat))] = true
	}
	for _, cat := range rb.PersonalCategories {
		c.personalCategories[strings.ToLower(strings.TrimSpace(cat))] = true
	}
	for merchant, scope := range rb.Merchants {
		key := matching.NormalizeMerchant(merchant)
		if key == "" {
			continue
		}
		c.merchants = append(c.merchants, merchantRule{key: key, isBusiness: scope == ScopeBusiness})
	}
	// Longest key first so the most specific merchant wins.
	sort.Slice(c.merchants, func(i, j int) bool {
		if len(c.merchants[i].key) != len(c.merchants[j].key) {
			return len(c.merchants[i].key) > len(c.merchants[j].key)
		}
		return c.merchants[i].key < c.merchants[j].key
	})
	for _, kw := range rb.BusinessKeywords {
		c.businessKeywords = append(c.businessKeywords, strings.ToLower(kw))
	}
	for _, kw := range rb.PersonalKeywords {
		c.personalKeywords = append(c.personalKeywords, strings.ToLower(kw))
	}
	return c
}
