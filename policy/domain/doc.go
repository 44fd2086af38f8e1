// Package domain define contratos e tipos de domínio do policy daemon.
//
// Este pacote não depende de rede, Redis nem do protocolo do Postfix.
// A intenção é permitir testes de unidade puros e desacoplar a regra de
// limite diário dos detalhes de infraestrutura.
package domain
