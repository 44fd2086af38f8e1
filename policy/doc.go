// Package policy é o adaptador do protocolo de delegação de política do
// Postfix sobre TCP.
//
// Ele converte bytes da conexão em domain.Request, chama o
// application.Evaluator e devolve a linha "action=...".
//
// Uma requisição por conexão: o servidor lê até a linha vazia, responde e
// fecha. Qualquer falha interna vira "dunno".
//
// Uso:
//
//	srv := &policy.Server{
//		Addr:      "127.0.0.1:9999",
//		Evaluator: application.Evaluator{Store: store},
//	}
//	err := srv.ListenAndServe(ctx)
package policy
