package models

/*
Copy-trade Engine Database Models

Models are grouped by owner:

- account.go      - Account (master/member wallets) and Balance snapshots
- copy.go         - Connection, Group and GroupMembership, written by the registries
- order.go        - Order (origin orders) and RestingOrder (order book rows)
- replication.go  - MasterTransaction, ReplicaDetail and FeeCharge, written by the engine
- utils.go        - decimal helpers

Every model carries a TableName() method and must be listed in
database.AutoMigrate(). Status columns are typed strings so the gorm
schema stays readable in psql.
*/
