package config

// Sample is the config written by `da-verifier init`.
const Sample = `version: 1
global:
  db_path: ./data/da-verifier.db
node:
  environment: mainnet
  deployment: production
  url: ${NODE_URL}
  local: false
  local_url: http://127.0.0.1:8545
feed:
  url: https://node1.bundlr.network/graphql
  gateway_url: https://arweave.net
  timeout: 30s
watcher:
  batch_size: 1000
  idle_delay: 100ms
  error_delay: 100ms
  retry_delay: 30s
  max_retry_attempts: 0
  concurrency: 50
  retry_workers: 4
stream:
  type: none
  # type: webhook
  # url: https://hooks.example.com/da
  # where: ["success == false"]
  # rate_limit: 5
`
