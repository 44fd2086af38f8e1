package domain

import "strings"

// Key identifica um contador: nome de domínio ("test.com") ou endereço
// completo de conta ("user@test.com").
type Key string

type Kind string

const (
	KindDomain  Kind = "domain"
	KindAccount Kind = "account"
)

type Identity struct {
	Key  Key
	Kind Kind
}

func (i Identity) String() string { return string(i.Key) }

// NormalizeKey padroniza uma identidade para uso como campo do contador.
func NormalizeKey(s string) Key {
	return Key(strings.ToLower(strings.TrimSpace(s)))
}

// IdentitiesFor deriva as identidades verificadas para um sasl_username,
// domínio primeiro. Sem "@" não há parte de domínio: só a conta participa.
func IdentitiesFor(saslUsername string) []Identity {
	account := NormalizeKey(saslUsername)
	if account == "" {
		return nil
	}

	at := strings.LastIndexByte(string(account), '@')
	if at < 0 {
		return []Identity{{Key: account, Kind: KindAccount}}
	}

	ids := make([]Identity, 0, 2)
	if d := account[at+1:]; d != "" {
		ids = append(ids, Identity{Key: d, Kind: KindDomain})
	}
	ids = append(ids, Identity{Key: account, Kind: KindAccount})
	return ids
}

// KindOf adivinha o tipo pela presença de "@".
func KindOf(key Key) Kind {
	if strings.ContainsRune(string(key), '@') {
		return KindAccount
	}
	return KindDomain
}
