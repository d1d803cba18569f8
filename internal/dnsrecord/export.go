package dnsrecord

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const csvTTLAuto = "auto"

// WriteCSV writes the set as host,type,value,ttl,priority rows for manual entry
func WriteCSV(w io.Writer, s RecordSet) error {
	cw := csv.NewWriter(w)

	if err := cw.Write([]string{"host", "type", "value", "ttl", "priority"}); err != nil {
		return err
	}
	for _, r := range s.HostRecords() {
		priority := ""
		if r.Priority != nil {
			priority = strconv.Itoa(*r.Priority)
		}
		if err := cw.Write([]string{r.Name, r.Type, r.Content, csvTTLAuto, priority}); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// BindZone renders records as a BIND zone file snippet with absolute owner names
func BindZone(domain string, records []HostRecord) string {
	origin := domain
	if !strings.HasSuffix(origin, ".") {
		origin += "."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "$ORIGIN %s\n", origin)
	b.WriteString("$TTL 3600\n")

	for _, r := range records {
		host := bindOwner(r.Name, origin)
		switch r.Type {
		case "MX":
			priority := 10
			if r.Priority != nil {
				priority = *r.Priority
			}
			fmt.Fprintf(&b, "%s IN MX %d %s\n", host, priority, absolute(r.Content))
		case "TXT":
			fmt.Fprintf(&b, "%s IN TXT %s\n", host, quoteTXT(r.Content))
		case "CNAME":
			fmt.Fprintf(&b, "%s IN CNAME %s\n", host, absolute(r.Content))
		default:
			fmt.Fprintf(&b, "%s IN %s %s\n", host, r.Type, r.Content)
		}
	}

	return b.String()
}

func bindOwner(name, origin string) string {
	switch {
	case name == "" || name == apexName:
		return origin
	case strings.HasSuffix(name, "."):
		return name
	case name+"." == origin || strings.HasSuffix(name+".", "."+origin):
		return name + "."
	default:
		return name + "." + origin
	}
}

func absolute(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}

// quoteTXT splits values longer than 255 bytes into multiple strings
func quoteTXT(value string) string {
	escaped := strings.ReplaceAll(value, `"`, `\"`)
	if len(escaped) <= 255 {
		return `"` + escaped + `"`
	}

	var parts []string
	for len(escaped) > 255 {
		cut := 255
		// do not split an escape sequence
		if escaped[cut-1] == '\\' {
			cut--
		}
		parts = append(parts, `"`+escaped[:cut]+`"`)
		escaped = escaped[cut:]
	}
	parts = append(parts, `"`+escaped+`"`)
	return "( " + strings.Join(parts, " ") + " )"
}
