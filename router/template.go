package router

import (
	"fmt"
	"strings"

	"github.com/saiset-co/sai-cache-engine/tenant"
	"github.com/saiset-co/sai-cache-engine/types"
)

// renderTemplate expands {tenant}, {id}, {table}, {new.<field>} and
// {old.<field>} placeholders. Expanded values are segment-escaped so event
// payloads cannot inject extra key levels.
func renderTemplate(template string, event types.ChangeEvent) (string, error) {
	var b strings.Builder
	b.Grow(len(template))

	for i := 0; i < len(template); {
		open := strings.IndexByte(template[i:], '{')
		if open == -1 {
			b.WriteString(template[i:])
			break
		}
		open += i

		b.WriteString(template[i:open])

		closing := strings.IndexByte(template[open:], '}')
		if closing == -1 {
			return "", types.Errorf(types.ErrRouteRuleInvalid, "unterminated placeholder in %q", template)
		}
		closing += open

		placeholder := template[open+1 : closing]
		value, err := resolvePlaceholder(placeholder, event)
		if err != nil {
			return "", err
		}

		b.WriteString(tenant.EscapeSegment(value))
		i = closing + 1
	}

	return b.String(), nil
}

func resolvePlaceholder(placeholder string, event types.ChangeEvent) (string, error) {
	switch placeholder {
	case "tenant":
		return event.TenantID, nil
	case "id":
		return event.EntityID, nil
	case "table":
		return event.Table, nil
	}

	if field, found := strings.CutPrefix(placeholder, "new."); found {
		if value, exists := event.NewValues[field]; exists {
			return fmt.Sprint(value), nil
		}
		return "", types.Errorf(types.ErrRouteRuleInvalid, "field %q missing from new values", field)
	}

	if field, found := strings.CutPrefix(placeholder, "old."); found {
		if value, exists := event.OldValues[field]; exists {
			return fmt.Sprint(value), nil
		}
		return "", types.Errorf(types.ErrRouteRuleInvalid, "field %q missing from old values", field)
	}

	return "", types.Errorf(types.ErrRouteRuleInvalid, "unknown placeholder %q", placeholder)
}
