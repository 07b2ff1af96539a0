package verification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMTPSender_Enabled(t *testing.T) {
	assert.False(t, NewSMTPSender(SMTPConfig{Host: "smtp", From: "a@x"}).Enabled())
	assert.False(t, NewSMTPSender(SMTPConfig{Enabled: true, From: "a@x"}).Enabled())
	assert.True(t, NewSMTPSender(SMTPConfig{Enabled: true, Host: "smtp", From: "a@x"}).Enabled())
}

func TestSMTPSender_Send(t *testing.T) {
	orig := sendMail
	t.Cleanup(func() { sendMail = orig })

	var (
		gotAddr, gotFrom string
		gotTo            []string
		gotMsg           []byte
		gotAuth          smtp.Auth
	)
	sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotAuth, gotFrom, gotTo, gotMsg = addr, a, from, to, msg
		return nil
	}

	s := NewSMTPSender(SMTPConfig{Enabled: true, Host: "smtp.example.com", User: "u", Password: "p", From: "noreply@example.com"})
	require.NoError(t, s.Send(context.Background(), Message{To: "user@example.com", DisplayName: "Ada", Code: "12345"}))

	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.NotNil(t, gotAuth)
	assert.Equal(t, "noreply@example.com", gotFrom)
	assert.Equal(t, []string{"user@example.com"}, gotTo)
	assert.Contains(t, string(gotMsg), "To: user@example.com\r\n")
	assert.Contains(t, string(gotMsg), "Hi Ada,")
	assert.Contains(t, string(gotMsg), "code is 12345")
}

func TestSMTPSender_NoUserSkipsAuth(t *testing.T) {
	orig := sendMail
	t.Cleanup(func() { sendMail = orig })

	called := false
	sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		called = true
		assert.Nil(t, a)
		assert.Equal(t, "localhost:25", addr)
		return errors.New("refused")
	}

	s := NewSMTPSender(SMTPConfig{Enabled: true, Host: "localhost", Port: 25, From: "a@x"})
	assert.EqualError(t, s.Send(context.Background(), Message{To: "b@x", Code: "1"}), "refused")
	assert.True(t, called)
}

func TestAPISender(t *testing.T) {
	var got Message
	var auth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
	}))
	defer ts.Close()

	s := NewAPISender(APIConfig{Enabled: true, Endpoint: ts.URL, Key: "k"}, ts.Client())
	assert.True(t, s.Enabled())
	assert.Equal(t, "api", s.Name())

	require.NoError(t, s.Send(context.Background(), Message{To: "user@example.com", Code: "12345"}))
	assert.Equal(t, "Bearer k", auth)
	assert.Equal(t, "12345", got.Code)

	assert.False(t, NewAPISender(APIConfig{Enabled: true}, nil).Enabled())
}
