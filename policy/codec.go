package policy

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"

	"modoboa-policyd/policy/domain"
)

// ReadRequest lê atributos "nome=valor" até a primeira linha vazia.
//
// Linhas sem "=" são ignoradas; o valor vai até o fim da linha e pode conter
// outros "=". EOF antes da linha vazia devolve ErrIncompleteRequest.
func ReadRequest(r *bufio.Reader) (domain.Request, error) {
	var attrs []domain.Attribute
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return domain.Request{}, domain.ErrIncompleteRequest
			}
			return domain.Request{}, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return domain.NewRequest(attrs), nil
		}

		name, value, ok := strings.Cut(line, "=")
		if !ok || name == "" {
			continue
		}
		attrs = append(attrs, domain.Attribute{Name: name, Value: value})
	}
}

// Decode é ReadRequest sobre um buffer já recebido.
func Decode(b []byte) (domain.Request, error) {
	return ReadRequest(bufio.NewReader(bytes.NewReader(b)))
}

// Encode monta a resposta terminada pela linha vazia.
func Encode(action string) []byte {
	return []byte("action=" + action + "\n\n")
}

// EncodeRequest serializa uma requisição no formato do MTA (usado pelos
// testes e pela ferramenta de diagnóstico).
func EncodeRequest(req domain.Request) []byte {
	var b bytes.Buffer
	for _, a := range req.Attributes() {
		b.WriteString(a.Name)
		b.WriteByte('=')
		b.WriteString(a.Value)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.Bytes()
}
