package connectors

import (
	"context"
	"errors"
	"strings"
	"testing"

	"flow-runner/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"
)

type recordingMailer struct {
	sent []*mail.Msg
	err  error
}

func (m *recordingMailer) Send(ctx context.Context, msg *mail.Msg) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func TestEmail_SendsResolvedMessage(t *testing.T) {
	mailer := &recordingMailer{}
	ec := shared.NewExecutionContext()
	require.NoError(t, ec.Set("n1", map[string]interface{}{"email": "ops@example.com"}))
	require.NoError(t, ec.Set("n2", "Summary text"))

	out, err := NewEmail(mailer, "bot@example.com", nil).Execute(context.Background(), map[string]interface{}{
		"to":      "{{n1.output.email}}, audit@example.com",
		"subject": "Daily digest",
		"body":    "{{n2.output}}",
	}, ec)
	require.NoError(t, err)
	require.Len(t, mailer.sent, 1)

	msg := mailer.sent[0]
	assert.Equal(t, []string{"Daily digest"}, msg.GetGenHeader(mail.HeaderSubject))
	var to []string
	for _, addr := range msg.GetTo() {
		to = append(to, addr.Address)
	}
	assert.Equal(t, []string{"ops@example.com", "audit@example.com"}, to)

	result, ok := out.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"ops@example.com", "audit@example.com"}, result["accepted"])
	assert.True(t, strings.HasPrefix(result["messageId"].(string), "<"))
}

func TestEmail_Failures(t *testing.T) {
	_, err := NewEmail(&recordingMailer{}, "bot@example.com", nil).Execute(context.Background(), map[string]interface{}{"subject": "x"}, shared.NewExecutionContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no recipients")

	_, err = NewEmail(&recordingMailer{err: errors.New("relay denied")}, "bot@example.com", nil).Execute(context.Background(), map[string]interface{}{"to": "a@example.com"}, shared.NewExecutionContext())
	require.Error(t, err)
	assert.Equal(t, "relay denied", err.Error())

	_, err = NewEmail(nil, "bot@example.com", nil).Execute(context.Background(), map[string]interface{}{"to": "a@example.com"}, shared.NewExecutionContext())
	require.Error(t, err)
}
