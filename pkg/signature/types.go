package signature

// Wallet types accepted in a signer's wallet-verification block.
const (
	WalletSecp256k1 = "secp256k1"
	WalletEd25519   = "ed25519"
)

// WalletProof binds a signature to a wallet address. For secp256k1 the
// signature is DER hex and the address is the P2PKH address of PublicKey;
// for ed25519 the signature is base64 and the address is the hex public key.
type WalletProof struct {
	SignerAddress string `json:"signerAddress"`
	PublicKey     string `json:"publicKey,omitempty"`
	Signature     string `json:"signature"`
	WalletType    string `json:"walletType"`
	PaymentTxid   string `json:"paymentTxid,omitempty"`
}

// ChallengeInput identifies the signing step a wallet proof is bound to.
type ChallengeInput struct {
	Protocol     string
	EnvelopeID   string
	DocumentHash string
	SignerName   string
	Order        int
}
