// Package stub keeps the per-apartment table of marshaled objects.
//
// A stub owns one real object and counts the external locks that proxies
// and outstanding references hold on it. Normal references carry a one-shot
// ticket so the same bytes cannot be unmarshaled twice. When the count
// reaches zero, or the stub is disconnected, the stub is removed and the
// object is dropped once no call is in flight.
package stub
