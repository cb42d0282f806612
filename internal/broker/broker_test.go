package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"aniyuu/internal/domain/models"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJetStream struct {
	msgs []*nats.Msg
	err  error
}

func (f *fakeJetStream) PublishMsg(m *nats.Msg, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, m)
	return &nats.PubAck{Stream: "AUTH"}, nil
}

func TestSealOpen(t *testing.T) {
	secret := []byte("secret")
	msg := models.EmailMessage{To: "a@b.c", TemplateName: models.TemplateWelcomeEmail}

	data, err := Seal(secret, msg)
	require.NoError(t, err)

	raw, err := Open(secret, data)
	require.NoError(t, err)

	var got models.EmailMessage
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, msg, got)

	_, err = Open([]byte("other"), data)
	assert.Error(t, err)
}

func TestOpen_Tampered(t *testing.T) {
	secret := []byte("secret")

	data, err := Seal(secret, map[string]string{"to": "a@b.c"})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	env.Message = json.RawMessage(`{"to":"evil@b.c"}`)

	tampered, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = Open(secret, tampered)
	assert.Error(t, err)
}

func TestPublish_RetryHeader(t *testing.T) {
	js := &fakeJetStream{}
	p := &Publisher{js: js, secret: []byte("secret"), notificationSubject: "aniyuu.notification"}
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, "aniyuu.email", models.EmailMessage{To: "a@b.c"}))
	require.NoError(t, p.Publish(ctx, "aniyuu.notification", map[string]string{"kind": "login"}))

	require.Len(t, js.msgs, 2)
	assert.Equal(t, "aniyuu.email", js.msgs[0].Subject)
	assert.Equal(t, "1", js.msgs[0].Header.Get(HeaderRetryCount))
	assert.Equal(t, "5", js.msgs[1].Header.Get(HeaderRetryCount))

	_, err := Open([]byte("secret"), js.msgs[0].Data)
	assert.NoError(t, err)
}

func TestPublish_Error(t *testing.T) {
	p := &Publisher{js: &fakeJetStream{err: nats.ErrNoResponders}, secret: []byte("secret")}

	err := p.Publish(context.Background(), "aniyuu.email", "x")
	assert.True(t, errors.Is(err, nats.ErrNoResponders))
}

func TestNew_EmptySecret(t *testing.T) {
	_, err := New(nats.DefaultURL, "", "aniyuu.notification")
	assert.ErrorIs(t, err, ErrEmptySecret)
}
