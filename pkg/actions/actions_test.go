package actions

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatkit/pkg/auth"
	"chatkit/pkg/transport"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	holder := auth.NewHolder()
	holder.Set(auth.State{PageID: "p1", Token: "t1"})
	loop := transport.NewLoop("actions", srv.URL, transport.NewNetHTTPDoer(srv.Client()), holder, transport.AuthFresh)
	t.Cleanup(loop.Stop)
	return NewClient(loop)
}

func errorResponse(code string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
	}
}

func TestActionErrorMapping(t *testing.T) {
	cases := []struct {
		wire string
		want Code
	}{
		{"message_empty", CodeMessageEmpty},
		{"message_too_long", CodeMessageTooLong},
		{"not_allowed", CodeNotAllowed},
		{"quoted_message_not_found", CodeQuoteNotFound},
		{"some-future-code", CodeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.wire, func(t *testing.T) {
			c := newTestClient(t, errorResponse(tc.wire))
			err := c.SendMessage("cid", "hi", "")
			var ae *Error
			if !errors.As(err, &ae) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if ae.Code != tc.want {
				t.Fatalf("code %s mapped to %s, want %s", tc.wire, ae.Code, tc.want)
			}
			if ae.Action != KindSend {
				t.Fatalf("wrong action tag %s", ae.Action)
			}
			if tc.want == CodeUnknown && ae.Raw != tc.wire {
				t.Fatalf("raw code lost: %q", ae.Raw)
			}
		})
	}
}

func TestFatalCodes(t *testing.T) {
	for _, code := range []string{
		"account-blocked",
		"visitor-banned",
		"provided-visitor-expired",
		"wrong-provided-visitor-hash",
	} {
		c := newTestClient(t, errorResponse(code))
		err := c.MarkRead()
		var fe *FatalError
		if !errors.As(err, &fe) {
			t.Fatalf("code %s: expected *FatalError, got %v", code, err)
		}
		if fe.Code != code {
			t.Fatalf("fatal code mangled: %q", fe.Code)
		}
	}
}

func TestSendMessage_WireFormat(t *testing.T) {
	var form map[string][]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form = r.PostForm
		_, _ = w.Write([]byte(`{}`))
	})
	if err := c.SendMessage("cid-1", "hello", "reply-1"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	expect := map[string]string{
		"action":         "chat.message",
		"client-side-id": "cid-1",
		"message":        "hello",
		"reply-to":       "reply-1",
		"page-id":        "p1",
		"auth-token":     "t1",
	}
	for k, v := range expect {
		if got := form[k]; len(got) != 1 || got[0] != v {
			t.Fatalf("param %s = %v, want %q", k, got, v)
		}
	}
}

func TestUploadFile_Multipart(t *testing.T) {
	var fileName, field string
	var fileData []byte
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			t.Errorf("bad content type: %v", err)
		}
		mr := multipart.NewReader(r.Body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Errorf("multipart read: %v", err)
				break
			}
			if part.FileName() != "" {
				field = part.FormName()
				fileName = part.FileName()
				fileData, _ = io.ReadAll(part)
			}
		}
		envelope := map[string]any{"data": map[string]any{
			"url": "https://files.example/abc", "filename": fileName,
		}}
		_ = json.NewEncoder(w).Encode(envelope)
	})

	att, err := c.UploadFile("cid-1", "photo.png", "image/png", []byte("pngdata"))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if field != "file" || fileName != "photo.png" || string(fileData) != "pngdata" {
		t.Fatalf("multipart body wrong: field=%q name=%q data=%q", field, fileName, fileData)
	}
	if att.URL != "https://files.example/abc" {
		t.Fatalf("attachment not decoded: %+v", att)
	}
}

func TestDeltaSince_DecodesBatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("since"); got != "r41" {
			t.Errorf("since param %q", got)
		}
		_, _ = w.Write([]byte(`{"data":{"revision":"r42","has_more":true,"messages":[{"client_id":"m1","ts":100,"kind":"operator_text","text":"hi"}]}}`))
	})
	batch, err := c.DeltaSince("r41", 25)
	if err != nil {
		t.Fatalf("delta failed: %v", err)
	}
	if batch.Revision != "r42" || !batch.HasMore {
		t.Fatalf("batch header wrong: %+v", batch)
	}
	if len(batch.Messages) != 1 || batch.Messages[0].ClientID != "m1" {
		t.Fatalf("messages wrong: %+v", batch.Messages)
	}
}
