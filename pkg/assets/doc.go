/*
Package assets manages offloaded output blobs and their garbage
collection.

Large outputs live as files under the asset root instead of inside the
execution journal. Every asset carries a lease in the store; writes,
renewals, and fetches all extend it. Prune deletes only assets that are
both unreferenced by the client's document and past their lease expiry,
checked immediately before removal, so a renewal racing a prune always
wins.
*/
package assets
