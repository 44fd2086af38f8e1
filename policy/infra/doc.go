// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - RedisCounterStore: contadores num hash do Redis, test-and-decrement via script Lua
//   - MemoryCounterStore: mesmo contrato em memória (uma instância só / testes)
//   - ChanPool: semáforo simples para limitar avaliações simultâneas
//   - Dispatcher: envio assíncrono dos avisos de limite esgotado
//   - FileLimitSource / SQLLimitSource: leitura dos message_limit configurados
package infra
