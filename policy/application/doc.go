// Package application contém os casos de uso do policy daemon: avaliação do
// limite diário, controle de vagas, reset periódico e aplicação do feed de
// limites.
//
// Ele depende apenas do pacote domain e não conhece o protocolo do Postfix.
// Ex.: Evaluator.Evaluate(ctx, req) retorna uma Decision (allow/deny + checks).
package application
