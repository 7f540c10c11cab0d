package transport

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/valyala/bytebufferpool"

	"chatkit/pkg/auth"
)

// FileUpload describes the single file field of a multipart request.
type FileUpload struct {
	FieldName   string
	FileName    string
	ContentType string
	Data        []byte
}

// Request is one HTTP call against the chat server: GET with query
// parameters, POST with url-encoded form parameters, or POST multipart
// when File is set. Unless AuthLess, the current page-id/auth-token pair
// is appended to the parameters at send time.
type Request struct {
	Method   string
	Path     string
	Params   url.Values
	File     *FileUpload
	AuthLess bool
}

// maxPooledBuffer controls the largest encode buffer returned to the
// pool; larger ones are dropped so uploads don't pin resident memory.
const maxPooledBuffer = 256 * 1024

func releaseBuffer(bb *bytebufferpool.ByteBuffer) {
	if bb == nil {
		return
	}
	if cap(bb.B) > maxPooledBuffer {
		return
	}
	bytebufferpool.Put(bb)
}

// encode renders the request into a URL, content type, and body. The
// returned release func must be called once the body has been sent.
func (r *Request) encode(baseURL string, st auth.State, withAuth bool) (method, requestURL, contentType string, body []byte, release func(), err error) {
	params := url.Values{}
	for k, vs := range r.Params {
		params[k] = append([]string(nil), vs...)
	}
	if withAuth {
		params.Set("page-id", st.PageID)
		params.Set("auth-token", st.Token)
	}

	method = r.Method
	if method == "" {
		method = http.MethodGet
	}
	requestURL = baseURL + r.Path
	release = func() {}

	switch {
	case method == http.MethodGet:
		if len(params) > 0 {
			requestURL += "?" + params.Encode()
		}
	case r.File == nil:
		bb := bytebufferpool.Get()
		bb.SetString(params.Encode())
		body = bb.B
		contentType = "application/x-www-form-urlencoded"
		release = func() { releaseBuffer(bb) }
	default:
		bb := bytebufferpool.Get()
		w := multipart.NewWriter(bb)
		for k, vs := range params {
			for _, v := range vs {
				if err := w.WriteField(k, v); err != nil {
					releaseBuffer(bb)
					return "", "", "", nil, nil, fmt.Errorf("encode multipart field %s: %w", k, err)
				}
			}
		}
		fw, ferr := w.CreateFormFile(r.File.FieldName, r.File.FileName)
		if ferr != nil {
			releaseBuffer(bb)
			return "", "", "", nil, nil, fmt.Errorf("encode multipart file: %w", ferr)
		}
		if _, err := fw.Write(r.File.Data); err != nil {
			releaseBuffer(bb)
			return "", "", "", nil, nil, fmt.Errorf("encode multipart body: %w", err)
		}
		if err := w.Close(); err != nil {
			releaseBuffer(bb)
			return "", "", "", nil, nil, fmt.Errorf("finish multipart body: %w", err)
		}
		body = bb.B
		contentType = w.FormDataContentType()
		release = func() { releaseBuffer(bb) }
	}
	return method, requestURL, contentType, body, release, nil
}
