// Package transform converts between persistent objects and cloud objects.
//
// The Transformer is the only place that knows how an entity looks on the
// wire. Outbound it walks the entity's attributes, coerces each value by
// attribute type, writes it under the key path chosen by the property
// mapping, embeds relationships marked restIncluded, writes the STI
// discriminator and wraps the result under restPrefix. Inbound it does the
// reverse, resolving the concrete entity from the discriminator and
// upserting by primary key.
//
// Coercion never fails a conversion. A value that cannot be coerced is left
// untouched on the persistent object and its key is reported in Result.
package transform
